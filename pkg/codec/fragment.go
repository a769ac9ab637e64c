package codec

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/jdziat/job-relay/pkg/core"
)

const (
	fragmentWrite    = "JOB_WRITE"
	fragmentManifest = "JOB_MANIFEST"
)

// Fragment builds the URL fragment handed to a new page context.
// Kinds other than manifest travel as writes.
func Fragment(kind core.JobKind, jobID, filePath, content string) string {
	key := fragmentWrite
	if kind == core.KindManifest {
		key = fragmentManifest
	}
	return "#" + key + "=" + Encode(jobID, filePath, content)
}

// ParseFragment extracts the job kind and payload from a fragment.
// The leading '#' is optional and the key is matched case-insensitively.
func ParseFragment(fragment string) (core.JobKind, Payload, error) {
	s := strings.TrimPrefix(fragment, "#")
	key, wire, ok := strings.Cut(s, "=")
	if !ok {
		return "", Payload{}, &core.DecodeError{Input: fragment, Reason: "missing job key"}
	}

	var kind core.JobKind
	switch strings.ToUpper(strings.TrimSpace(key)) {
	case fragmentWrite:
		kind = core.KindWrite
	case fragmentManifest:
		kind = core.KindManifest
	default:
		return "", Payload{}, &core.DecodeError{Input: fragment, Reason: "unknown job key " + key}
	}

	p, err := Decode(wire)
	return kind, p, err
}

// DescriptionHash is the short hash used in minted job ids.
func DescriptionHash(description string) string {
	sum := md5.Sum([]byte(description))
	return hex.EncodeToString(sum[:])[:4]
}

// MintJobID builds q_<kind>_<hash>_<seq>.
func MintJobID(kind core.JobKind, description string, seq int) string {
	return fmt.Sprintf("q_%s_%s_%d", kind, DescriptionHash(description), seq)
}

// JobIDParts is a parsed job id.
type JobIDParts struct {
	Kind core.JobKind // empty for legacy ids
	Hash string
	Seq  int
}

// ParseJobID accepts q_<kind>_<hash>_<seq> and the legacy q_<hash>_<seq>.
func ParseJobID(id string) (JobIDParts, error) {
	fields := strings.Split(id, "_")
	if len(fields) < 3 || fields[0] != "q" {
		return JobIDParts{}, fmt.Errorf("%w: %q", core.ErrInvalidJobID, id)
	}

	seq, err := strconv.Atoi(fields[len(fields)-1])
	if err != nil || seq < 0 {
		return JobIDParts{}, fmt.Errorf("%w: %q has no sequence", core.ErrInvalidJobID, id)
	}

	switch len(fields) {
	case 3:
		return JobIDParts{Hash: fields[1], Seq: seq}, nil
	case 4:
		kind := core.JobKind(fields[1])
		if !kind.Valid() {
			return JobIDParts{}, fmt.Errorf("%w: unknown kind %q", core.ErrInvalidJobID, fields[1])
		}
		return JobIDParts{Kind: kind, Hash: fields[2], Seq: seq}, nil
	}
	return JobIDParts{}, fmt.Errorf("%w: %q", core.ErrInvalidJobID, id)
}
