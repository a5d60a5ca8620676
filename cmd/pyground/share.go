package main

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/caffeineduck/pyground/codec"
	"github.com/caffeineduck/pyground/internal/config"
	"github.com/spf13/cobra"
)

func newShareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "share [file]",
		Short: "Print a share link for code, or decode one",
		Long: `Encode code into a playground share link.

Code is read the same way as for run. With --decode the argument is a
share link or a bare token, and the code it carries is printed.

  pyground share script.py
  pyground share --decode 'http://localhost:8080/#K0ktLtEoyM...'`,
		Args: cobra.MaximumNArgs(1),
		RunE: runShare,
	}
	addRunFlags(cmd)
	cmd.Flags().Bool("decode", false, "Decode a share link or token")
	cmd.Flags().Bool("token", false, "Print only the token")
	return cmd
}

func runShare(cmd *cobra.Command, args []string) error {
	if decode, _ := cmd.Flags().GetBool("decode"); decode {
		if len(args) != 1 {
			return errors.New("--decode needs a link or token")
		}
		code, err := decodeShare(args[0])
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), code)
		return nil
	}

	source, ok, err := readSource(cmd, args)
	if err != nil {
		return err
	}
	if !ok {
		return cmd.Help()
	}

	if tokenOnly, _ := cmd.Flags().GetBool("token"); tokenOnly {
		fmt.Fprintln(cmd.OutOrStdout(), codec.Encode(source))
		return nil
	}

	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a := &app{cfg: cfg}
	link, err := codec.ShareURL(a.shareBase(), source)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), link)
	return nil
}

// decodeShare accepts a full link, a "#token" fragment or a bare token.
func decodeShare(s string) (string, error) {
	s = strings.TrimSpace(s)
	token := s
	if i := strings.IndexByte(s, '#'); i >= 0 {
		token = s[i+1:]
		if i > 0 {
			u, err := url.Parse(s)
			if err != nil {
				return "", err
			}
			token = u.Fragment
		}
	}
	return codec.Decode(token)
}
