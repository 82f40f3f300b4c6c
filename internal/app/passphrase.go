package app

import (
	"errors"
	"fmt"
	"io"
	"os"
	"unicode"
	"unicode/utf8"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
	"maunium.net/go/mautrix/id"
)

const (
	keyringService = "olmkit"
	// MinPassphraseLen is the shortest store passphrase accepted on init.
	MinPassphraseLen = 12
)

var (
	// ErrNoPassphrase means no source produced a passphrase.
	ErrNoPassphrase = errors.New("no passphrase available")
	// ErrWeakPassphrase is returned by CheckPassphrase.
	ErrWeakPassphrase = errors.New("passphrase too weak")
	errMismatch       = errors.New("passphrases do not match")
)

// readPassword is replaced in tests to avoid touching the terminal.
var readPassword = term.ReadPassword

// CheckPassphrase enforces the minimum strength of a new store passphrase:
// MinPassphraseLen characters mixing at least two of letters, digits, symbols
// and spaces.
func CheckPassphrase(p string) error {
	if utf8.RuneCountInString(p) < MinPassphraseLen {
		return fmt.Errorf("%w: use at least %d characters", ErrWeakPassphrase, MinPassphraseLen)
	}
	var letter, digit, other bool
	for _, r := range p {
		switch {
		case unicode.IsLetter(r):
			letter = true
		case unicode.IsDigit(r):
			digit = true
		default:
			other = true
		}
	}
	classes := 0
	for _, ok := range []bool{letter, digit, other} {
		if ok {
			classes++
		}
	}
	if classes < 2 {
		return fmt.Errorf("%w: mix letters with digits, symbols or spaces", ErrWeakPassphrase)
	}
	return nil
}

func keyringUser(user id.UserID) string { return string(user) + ":store" }

// StorePassphrase remembers the store passphrase of user in the OS keyring.
func StorePassphrase(user id.UserID, passphrase string) error {
	if err := keyring.Set(keyringService, keyringUser(user), passphrase); err != nil {
		return fmt.Errorf("store passphrase in keyring: %w", err)
	}
	return nil
}

// ForgetPassphrase removes a remembered passphrase.
func ForgetPassphrase(user id.UserID) {
	_ = keyring.Delete(keyringService, keyringUser(user))
}

// Prompt asks for a passphrase on the terminal without echo. With confirm
// set it is asked twice.
func Prompt(w io.Writer, confirm bool) (string, error) {
	first, err := promptOnce(w, "Store passphrase: ")
	if err != nil {
		return "", err
	}
	if !confirm {
		return first, nil
	}
	second, err := promptOnce(w, "Repeat passphrase: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", errMismatch
	}
	return first, nil
}

func promptOnce(w io.Writer, label string) (string, error) {
	if _, err := fmt.Fprint(w, label); err != nil {
		return "", err
	}
	pw, err := readPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(w)
	if err != nil {
		return "", err
	}
	return string(pw), nil
}

// ResolvePassphrase picks the store passphrase from the flag value, the
// environment, the OS keyring and finally an interactive prompt when stdin is
// a terminal.
func ResolvePassphrase(flag string, user id.UserID, w io.Writer) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if v := os.Getenv(envPassphrase); v != "" {
		return v, nil
	}
	if user != "" {
		if v, err := keyring.Get(keyringService, keyringUser(user)); err == nil {
			return v, nil
		}
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", ErrNoPassphrase
	}
	return Prompt(w, false)
}
