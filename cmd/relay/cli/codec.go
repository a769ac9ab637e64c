package cli

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/jdziat/job-relay/pkg/chunker"
	"github.com/jdziat/job-relay/pkg/codec"
	"github.com/jdziat/job-relay/pkg/core"
	"github.com/jdziat/job-relay/pkg/sanitize"
)

var (
	encodeKind string
	encodeID   string
	encodePath string
	chunkMax   int
)

var encodeCmd = &cobra.Command{
	Use:   "encode [content|-]",
	Short: "Build the URL fragment that hands a job to a new page",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runEncode,
}

var decodeCmd = &cobra.Command{
	Use:   "decode <fragment|wire>",
	Short: "Decode a job fragment or a bare wire string",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runDecode,
}

var chunkCmd = &cobra.Command{
	Use:   "chunk [file|-]",
	Short: "Show how a prompt would be split for submission",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runChunk,
}

var cleanCmd = &cobra.Command{
	Use:   "clean [file|-]",
	Short: "Strip chat UI artifacts from a captured response",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runClean,
}

func init() {
	encodeCmd.Flags().StringVar(&encodeKind, "kind", string(core.KindWrite), "job kind: write, manifest, command or status")
	encodeCmd.Flags().StringVar(&encodeID, "id", "", "job id (minted from the content when empty)")
	encodeCmd.Flags().StringVar(&encodePath, "path", "", "target file path")
	chunkCmd.Flags().IntVar(&chunkMax, "max", chunker.DefaultMaxSize, "maximum prompt size in characters")
	rootCmd.AddCommand(encodeCmd, decodeCmd, chunkCmd, cleanCmd)
}

type decoded struct {
	Kind     core.JobKind `json:"kind,omitempty"`
	JobID    string       `json:"jobId"`
	FilePath string       `json:"filePath"`
	Content  string       `json:"content"`
	Warning  string       `json:"warning,omitempty"`
}

func runEncode(cmd *cobra.Command, args []string) error {
	kind := core.JobKind(encodeKind)
	if !kind.Valid() {
		return fmt.Errorf("unknown kind %q", encodeKind)
	}
	content, err := readInput(cmd, args, 0)
	if err != nil {
		return err
	}
	id := encodeID
	if id == "" {
		id = codec.MintJobID(kind, content, 1)
	}
	fmt.Fprintln(cmd.OutOrStdout(), codec.Fragment(kind, id, encodePath, content))
	return nil
}

func runDecode(cmd *cobra.Command, args []string) error {
	in, err := readInput(cmd, args, 0)
	if err != nil {
		return err
	}
	in = strings.TrimSpace(in)
	if i := strings.IndexByte(in, '#'); i >= 0 {
		in = in[i:]
	}

	var out decoded
	var p codec.Payload
	if strings.Contains(strings.SplitN(in, codec.Delimiter, 2)[0], "=") {
		out.Kind, p, err = codec.ParseFragment(in)
	} else {
		p, err = codec.Decode(in)
	}
	var de *core.DecodeError
	if err != nil && !errors.As(err, &de) {
		return err
	}
	if de != nil {
		out.Warning = de.Reason
	}
	out.JobID, out.FilePath, out.Content = p.JobID, p.FilePath, p.Content

	if jsonOut {
		printJSON(out)
		return nil
	}
	if out.Warning != "" {
		pterm.Warning.Printfln("degraded decode: %s", out.Warning)
	}
	printTable(pterm.TableData{
		{"Field", "Value"},
		{"Kind", string(out.Kind)},
		{"Job ID", out.JobID},
		{"File path", out.FilePath},
		{"Content", preview(out.Content, 80)},
	})
	return nil
}

func runChunk(cmd *cobra.Command, args []string) error {
	text, err := readFileArg(cmd, args)
	if err != nil {
		return err
	}
	plan, err := chunker.Plan(text, chunkMax)
	if err != nil {
		return err
	}

	if jsonOut {
		printJSON(plan)
		return nil
	}
	rows := pterm.TableData{{"Chunk", "Characters", "Tag"}}
	for _, c := range plan {
		tag := c.Tag
		if tag == "" {
			tag = "-"
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d/%d", c.Index+1, c.Total),
			fmt.Sprintf("%d", utf8.RuneCountInString(c.Text)),
			tag,
		})
	}
	printTable(rows)
	return nil
}

func runClean(cmd *cobra.Command, args []string) error {
	text, err := readFileArg(cmd, args)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), sanitize.Clean(text))
	return nil
}

func preview(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}
