package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/and161185/tgcollector/internal/model"
)

// withApp wires the full app for one operator command.
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := wireApp(ctx, opts.cfg, opts.log)
	if err != nil {
		return err
	}
	defer a.close(context.Background())
	return fn(ctx, a)
}

type sessionFlags struct {
	user    string
	session string
}

func (f *sessionFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.user, "user", "", "owning user id")
	cmd.Flags().StringVar(&f.session, "session", "", "session id")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("session")
}

func newLoginCmd(opts *rootOptions) *cobra.Command {
	var (
		sf    sessionFlags
		phone string
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in an account interactively, prompting for code and password",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				in := bufio.NewReader(cmd.InOrStdin())
				res, err := a.sessions.StartLogin(ctx, sf.user, sf.session, phone)
				for err == nil {
					printResult(cmd.OutOrStdout(), res)
					switch res.Status {
					case model.StatusVerificationCodeRequired:
						var code string
						if code, err = prompt(cmd.OutOrStdout(), in, "code"); err == nil {
							res, err = a.sessions.SubmitCode(ctx, sf.user, sf.session, code)
						}
					case model.StatusTwoFactorRequired:
						var pw string
						if pw, err = prompt(cmd.OutOrStdout(), in, "password"); err == nil {
							res, err = a.sessions.SubmitPassword(ctx, sf.user, sf.session, pw)
						}
					case model.StatusSuccess:
						return nil
					default:
						return fmt.Errorf("login %s", res.Status)
					}
				}
				return err
			})
		},
	}
	sf.bind(cmd)
	cmd.Flags().StringVar(&phone, "phone", "", "phone number in international format")
	_ = cmd.MarkFlagRequired("phone")
	return cmd
}

func prompt(w io.Writer, r *bufio.Reader, what string) (string, error) {
	fmt.Fprintf(w, "%s: ", what)
	line, err := r.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" && err != nil {
		if errors.Is(err, io.EOF) {
			return "", fmt.Errorf("no %s entered", what)
		}
		return "", err
	}
	return line, nil
}

func printResult(w io.Writer, res model.LoginResult) {
	st := string(res.Status)
	switch res.Status {
	case model.StatusSuccess:
		st = color.GreenString(st)
	case model.StatusFailed, model.StatusExpired:
		st = color.RedString(st)
	default:
		st = color.YellowString(st)
	}
	if res.Message != "" {
		fmt.Fprintf(w, "%s: %s\n", st, res.Message)
		return
	}
	fmt.Fprintln(w, st)
}

func newSessionsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "sessions", Short: "List or delete sessions"}

	var user string
	list := &cobra.Command{
		Use:   "list",
		Short: "List authorized sessions of a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				out, err := a.sessions.List(ctx, user)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), out)
			})
		},
	}
	list.Flags().StringVar(&user, "user", "", "owning user id")
	_ = list.MarkFlagRequired("user")

	var sf sessionFlags
	del := &cobra.Command{
		Use:   "delete",
		Short: "Delete a session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				return a.sessions.Delete(ctx, sf.user, sf.session)
			})
		},
	}
	sf.bind(del)

	var (
		cf      sessionFlags
		refresh bool
	)
	contacts := &cobra.Command{
		Use:   "contacts",
		Short: "List dialog counterparties of a session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				out, err := a.contacts.List(ctx, cf.user, cf.session, refresh)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), out)
			})
		},
	}
	cf.bind(contacts)
	contacts.Flags().BoolVar(&refresh, "refresh", false, "bypass the response cache")

	cmd.AddCommand(list, del, contacts)
	return cmd
}

func newSubscriptionsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "subscriptions", Short: "Manage counterparties whose messages are collected"}

	change := func(use, short string, fn func(a *app) func(context.Context, string, string, int64) error) *cobra.Command {
		var (
			sf sessionFlags
			cp int64
		)
		c := &cobra.Command{
			Use:   use,
			Short: short,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cmd, opts, func(ctx context.Context, a *app) error {
					return fn(a)(ctx, sf.user, sf.session, cp)
				})
			},
		}
		sf.bind(c)
		c.Flags().Int64Var(&cp, "counterparty", 0, "counterparty user id")
		_ = c.MarkFlagRequired("counterparty")
		return c
	}

	var sf sessionFlags
	list := &cobra.Command{
		Use:   "list",
		Short: "List subscriptions of a session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				out, err := a.registry.List(ctx, sf.user, sf.session)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), out)
			})
		},
	}
	sf.bind(list)

	cmd.AddCommand(
		change("add", "Subscribe to a counterparty", func(a *app) func(context.Context, string, string, int64) error {
			return a.registry.Subscribe
		}),
		change("remove", "Unsubscribe from a counterparty", func(a *app) func(context.Context, string, string, int64) error {
			return a.registry.Unsubscribe
		}),
		list,
	)
	return cmd
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var (
		sf sessionFlags
		cp int64
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print stored messages exchanged with a counterparty",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				out, err := a.history.History(ctx, sf.user, sf.session, cp)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), out)
			})
		},
	}
	sf.bind(cmd)
	cmd.Flags().Int64Var(&cp, "counterparty", 0, "counterparty user id")
	_ = cmd.MarkFlagRequired("counterparty")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
