package codec

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/job-relay/pkg/core"
)

func TestFragment_RoundTrip(t *testing.T) {
	frag := Fragment(core.KindWrite, "q_write_ab12_1", "./sandbox/a.txt", "body")
	assert.Equal(t, "#JOB_WRITE=q_write_ab12_1|.%2Fsandbox%2Fa.txt|body", frag)

	kind, p, err := ParseFragment(frag)
	require.NoError(t, err)
	assert.Equal(t, core.KindWrite, kind)
	assert.Equal(t, "body", p.Content)

	frag = Fragment(core.KindManifest, "q_manifest_ab12_1", "./sandbox/m", "[]")
	kind, _, err = ParseFragment(frag)
	require.NoError(t, err)
	assert.Equal(t, core.KindManifest, kind)
}

func TestParseFragment_Lenient(t *testing.T) {
	kind, p, err := ParseFragment("job_write=q_1_1|a|b")
	require.NoError(t, err)
	assert.Equal(t, core.KindWrite, kind)
	assert.Equal(t, "q_1_1", p.JobID)
}

func TestParseFragment_Errors(t *testing.T) {
	var de *core.DecodeError

	_, _, err := ParseFragment("#nothing")
	assert.True(t, errors.As(err, &de))

	_, _, err = ParseFragment("#JOB_DELETE=q_1_1|a|b")
	assert.True(t, errors.As(err, &de))
}

func TestMintJobID(t *testing.T) {
	id := MintJobID(core.KindWrite, "build the login page", 3)
	assert.Regexp(t, `^q_write_[0-9a-f]{4}_3$`, id)
	assert.Equal(t, id, MintJobID(core.KindWrite, "build the login page", 3))
	assert.Equal(t, DescriptionHash("build the login page"), id[8:12])

	parts, err := ParseJobID(id)
	require.NoError(t, err)
	assert.Equal(t, core.KindWrite, parts.Kind)
	assert.Equal(t, 3, parts.Seq)
}

func TestParseJobID(t *testing.T) {
	parts, err := ParseJobID("q_ab12_7")
	require.NoError(t, err)
	assert.Empty(t, parts.Kind)
	assert.Equal(t, "ab12", parts.Hash)
	assert.Equal(t, 7, parts.Seq)

	for _, bad := range []string{"", "q_", "x_ab12_1", "q_ab12_x", "q_bogus_ab12_1", "q_a_b_c_d_1"} {
		_, err := ParseJobID(bad)
		assert.ErrorIs(t, err, core.ErrInvalidJobID, bad)
	}
}
