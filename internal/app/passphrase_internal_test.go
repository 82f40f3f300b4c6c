package app

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func stubPasswords(t *testing.T, answers ...string) {
	t.Helper()
	orig := readPassword
	t.Cleanup(func() { readPassword = orig })
	readPassword = func(int) ([]byte, error) {
		next := answers[0]
		answers = answers[1:]
		return []byte(next), nil
	}
}

func TestPromptConfirm(t *testing.T) {
	var out bytes.Buffer
	stubPasswords(t, "correct horse battery", "correct horse battery")
	p, err := Prompt(&out, true)
	require.NoError(t, err)
	require.Equal(t, "correct horse battery", p)
	require.Contains(t, out.String(), "Repeat passphrase")

	stubPasswords(t, "one passphrase 1", "another one 2")
	_, err = Prompt(&out, true)
	require.ErrorIs(t, err, errMismatch)
}
