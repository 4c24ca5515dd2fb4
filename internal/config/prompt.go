package config

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"sitesync/internal/core"
	"sitesync/internal/storage"
)

// SASEnv is read before prompting for a missing SAS token.
const SASEnv = "AZURE_STORAGE_SAS_TOKEN"

// Prompter asks for a secret described by label.
type Prompter func(label string) (string, error)

// TerminalPrompter reads secrets from in without echo. It fails with
// ErrConfig when in is not a terminal.
func TerminalPrompter(in *os.File, out io.Writer) Prompter {
	return func(label string) (string, error) {
		fd := int(in.Fd())
		if !term.IsTerminal(fd) {
			return "", fmt.Errorf("%w: %s is required and stdin is not a terminal", core.ErrConfig, label)
		}
		fmt.Fprintf(out, "%s: ", label)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", label, err)
		}
		return strings.TrimSpace(string(b)), nil
	}
}

// needsSAS reports whether an az:// location in sas mode has no credential.
func needsSAS(rawPath string, a Auth) bool {
	if !strings.EqualFold(a.AuthMode, storage.AuthModeSAS) {
		return false
	}
	if a.AzureSASToken != "" || a.AzureAccountKey != "" || a.AzureConnectionString != "" {
		return false
	}
	loc, err := storage.ParseLocation(rawPath)
	return err == nil && loc.Scheme == "az"
}

// FillSASTokens supplies the SAS token of every az:// section in sas mode
// that has none, from SASEnv or else from prompt. One answer serves every
// section of the same storage account.
func (c *Config) FillSASTokens(prompt Prompter) error {
	answers := make(map[string]string)
	fill := func(section, rawPath string, a *Auth) error {
		if !needsSAS(rawPath, *a) {
			return nil
		}
		loc, _ := storage.ParseLocation(rawPath)
		if tok, ok := answers[loc.Account]; ok {
			a.AzureSASToken = tok
			return nil
		}
		tok := os.Getenv(SASEnv)
		if tok == "" {
			var err error
			tok, err = prompt(fmt.Sprintf("SAS token for %s (storage account %s)", section, loc.Account))
			if err != nil {
				return err
			}
		}
		tok = strings.TrimPrefix(tok, "?")
		if tok == "" {
			return fmt.Errorf("%w: empty SAS token for %s", core.ErrConfig, section)
		}
		answers[loc.Account] = tok
		a.AzureSASToken = tok
		return nil
	}

	if err := fill("journal", c.Journal.Path, &c.Journal.Auth); err != nil {
		return err
	}
	if err := fill("central_path", c.CentralPath.Path, &c.CentralPath.Auth); err != nil {
		return err
	}
	for name, s := range c.SitePath {
		if err := fill("site_path."+name, s.Path, &s.Auth); err != nil {
			return err
		}
		c.SitePath[name] = s
	}
	return nil
}
