package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dshills/modhost/internal/module/manifest"
)

// errInvalid is returned when validate finds at least one bad manifest.
var errInvalid = errors.New("one or more manifests are invalid")

func newValidateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate DIR...",
		Short: "Check module manifests against this host's configuration",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			validator, err := newValidator(opts)
			if err != nil {
				return err
			}

			failed := false
			for _, dir := range args {
				m, err := manifest.ReadDir(dir)
				if err == nil {
					err = validator.Check(m)
				}
				if err != nil {
					failed = true
					fmt.Fprintf(cmd.OutOrStdout(), "FAIL %s: %v\n", dir, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ok   %s (%s %s)\n", dir, m.ID, m.Version)
			}
			if failed {
				return errInvalid
			}
			return nil
		},
	}
}

func newValidator(opts *options) (*manifest.DefaultValidator, error) {
	version, err := opts.cfg.HostVersion()
	if err != nil {
		return nil, err
	}
	policy, err := opts.cfg.Policy()
	if err != nil {
		return nil, err
	}
	vopts := []manifest.ValidatorOption{manifest.WithPolicy(policy), manifest.WithLogger(opts.logger)}
	if len(opts.cfg.Signature.PublicKeys) > 0 {
		verifier, err := manifest.NewEd25519Verifier(opts.cfg.Signature.PublicKeys...)
		if err != nil {
			return nil, err
		}
		vopts = append(vopts, manifest.WithVerifier(verifier))
	}
	return manifest.NewValidator(manifest.HostInfo{Name: opts.cfg.Host.Name, Version: version}, vopts...), nil
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an ed25519 key pair for signing manifests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			public, private, err := manifest.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "public:  %s\nprivate: %s\n", public, private)
			return nil
		},
	}
}

func newSignCmd() *cobra.Command {
	var key, keyFile string

	cmd := &cobra.Command{
		Use:   "sign DIR",
		Short: "Sign a module's " + manifest.FileName + " in place",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if keyFile != "" {
				data, err := os.ReadFile(keyFile)
				if err != nil {
					return fmt.Errorf("read key file: %w", err)
				}
				key = string(data)
			}
			if strings.TrimSpace(key) == "" {
				return errors.New("a private key is required (--key or --key-file)")
			}
			priv, err := manifest.ParsePrivateKey(key)
			if err != nil {
				return err
			}

			path := filepath.Join(args[0], manifest.FileName)
			raw, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read manifest: %w", err)
			}
			if _, err := manifest.Parse(raw); err != nil {
				return err
			}
			sig, err := manifest.Sign(raw, priv)
			if err != nil {
				return err
			}
			signed, err := manifest.WithSignature(raw, sig)
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, signed, 0o644); err != nil {
				return fmt.Errorf("write manifest: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "signed %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVar(&key, "key", "", "Base64 ed25519 private key")
	cmd.Flags().StringVar(&keyFile, "key-file", "", "File holding the base64 private key")
	return cmd
}
