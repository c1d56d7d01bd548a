// main.go - Trust routing node binary.
// Copyright (C) 2017  Yawning Angel.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/katzenpost/trustroute/config"
	"github.com/katzenpost/trustroute/core/identity"
	"github.com/katzenpost/trustroute/server"
	"github.com/katzenpost/trustroute/store"
)

const defaultCredentialTTL = 30 * 24 * time.Hour

// newRootCommand creates the root cobra command
func newRootCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "trustnode",
		Short: "Trust based secure routing node",
		Long: `trustnode runs a routing node.  Peers reach it over TCP and talk to its
services through end-to-end encrypted secure channels that are only
established once both ends have proven their identity, and, when a trust
context is configured, presented a credential from a trusted authority.

A node can act as a relay: peers register forwarders with it, and other
peers reach them by their forwarding address without being able to reach
anything else behind them.

The subcommands manage the node database while the node is stopped.`,
		Example: `  # Start the node
  trustnode -f /etc/trustroute/node.toml

  # Print the node identity
  trustnode -f node.toml identity

  # Trust an authority for the "net" trust context
  trustnode -f node.toml trust add net --authority <identity>

  # Issue a credential, as the authority, to a node
  trustnode -f authority.toml credential issue --subject <identity> --attr role=relay`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(configFile)
		},
	}
	cmd.PersistentFlags().StringVarP(&configFile, "config", "f", "trustnode.toml",
		"path to the node configuration file (TOML format)")

	cmd.AddCommand(newIdentityCommand(&configFile))
	cmd.AddCommand(newTrustCommand(&configFile))
	cmd.AddCommand(newCredentialCommand(&configFile))
	return cmd
}

func main() {
	rootCmd := newRootCommand()
	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithVersion(versioninfo.Short()),
	); err != nil {
		os.Exit(1)
	}
}

func runServer(configFile string) error {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config file '%v': %v", configFile, err)
	}

	// Setup the signal handling.
	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	svr, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to spawn node instance: %v", err)
	}
	defer svr.Shutdown()

	// Halt the node gracefully on SIGINT/SIGTERM.
	go func() {
		<-haltCh
		svr.Shutdown()
	}()

	// Rotate logs upon SIGHUP.
	go func() {
		for range rotateCh {
			svr.RotateLog()
		}
	}()

	svr.Wait()
	return nil
}

// openStore opens the database of the configured node.  The node must not
// be running.
func openStore(configFile string) (*store.Store, error) {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file '%v': %v", configFile, err)
	}
	if err := os.MkdirAll(cfg.Node.DataDir, 0700); err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.Node.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open database (is the node running?): %v", err)
	}
	return st, nil
}

func decodeIdentity(s string) (*identity.Identity, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("identity is not base64: %v", err)
	}
	return identity.ImportIdentity(nil, raw)
}

func newIdentityCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "identity",
		Short: "Print the node identifier and exported identity",
		Long: `Print the node identifier and its exported change history, base64
encoded.  The identity is created if the node has none yet.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(*configFile)
			if err != nil {
				return err
			}
			defer st.Close()

			_, local, _, err := server.LoadIdentity(st)
			if err != nil {
				return err
			}
			raw, err := local.Export()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Identifier:\n%s\n\nIdentity:\n%s\n",
				local.Identifier(), base64.StdEncoding.EncodeToString(raw))
			return nil
		},
	}
}

func newTrustCommand(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trust",
		Short: "Manage trust context profiles",
	}

	var authority string
	var trusted []string
	add := &cobra.Command{
		Use:   "add NAME",
		Short: "Add or replace a trust context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var auth *identity.Identity
			var err error
			if authority != "" {
				if auth, err = decodeIdentity(authority); err != nil {
					return fmt.Errorf("authority: %v", err)
				}
			}
			others := make([]*identity.Identity, 0, len(trusted))
			for _, t := range trusted {
				id, err := decodeIdentity(t)
				if err != nil {
					return fmt.Errorf("trusted authority: %v", err)
				}
				others = append(others, id)
			}
			p, err := store.NewTrustContextProfile(args[0], auth, others...)
			if err != nil {
				return err
			}

			st, err := openStore(*configFile)
			if err != nil {
				return err
			}
			defer st.Close()
			return st.SaveTrustContext(args[0], p)
		},
	}
	add.Flags().StringVar(&authority, "authority", "", "base64 identity of the issuing authority")
	add.Flags().StringSliceVar(&trusted, "trusted", nil, "base64 identity of an additionally trusted authority")

	list := &cobra.Command{
		Use:   "list",
		Short: "List trust contexts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(*configFile)
			if err != nil {
				return err
			}
			defer st.Close()
			names, err := st.ListTrustContexts()
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}

	remove := &cobra.Command{
		Use:   "remove NAME",
		Short: "Remove a trust context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(*configFile)
			if err != nil {
				return err
			}
			defer st.Close()
			return st.DeleteTrustContext(args[0])
		},
	}

	cmd.AddCommand(add, list, remove)
	return cmd
}

func newCredentialCommand(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Issue and import credentials",
	}

	var subject string
	var attrs map[string]string
	var ttl time.Duration
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a credential signed by this node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sub, err := decodeIdentity(subject)
			if err != nil {
				return fmt.Errorf("subject: %v", err)
			}
			st, err := openStore(*configFile)
			if err != nil {
				return err
			}
			defer st.Close()

			ids, local, _, err := server.LoadIdentity(st)
			if err != nil {
				return err
			}
			a := make(identity.Attributes, len(attrs))
			for k, v := range attrs {
				a[k] = []byte(v)
			}
			cred, err := ids.Credentials().Issue(local, sub.Identifier(), a, ttl)
			if err != nil {
				return err
			}
			raw, err := cred.Bytes()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), base64.StdEncoding.EncodeToString(raw))
			return nil
		},
	}
	issue.Flags().StringVar(&subject, "subject", "", "base64 identity of the subject (required)")
	issue.Flags().StringToStringVar(&attrs, "attr", nil, "attribute asserted about the subject, key=value")
	issue.Flags().DurationVar(&ttl, "ttl", defaultCredentialTTL, "credential lifetime")
	issue.MarkFlagRequired("subject")

	imp := &cobra.Command{
		Use:   "import TRUST_CONTEXT CREDENTIAL",
		Short: "Store a credential issued to this node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(args[1]))
			if err != nil {
				return fmt.Errorf("credential is not base64: %v", err)
			}
			cred, err := identity.ParseCredential(raw)
			if err != nil {
				return err
			}
			data, err := cred.Decode()
			if err != nil {
				return err
			}

			st, err := openStore(*configFile)
			if err != nil {
				return err
			}
			defer st.Close()
			if _, err := st.LoadTrustContext(args[0]); err != nil {
				return fmt.Errorf("trust context '%v': %v", args[0], err)
			}
			_, local, _, err := server.LoadIdentity(st)
			if err != nil {
				return err
			}
			if !data.Subject.Equal(local.Identifier()) {
				return fmt.Errorf("credential subject %v is not this node (%v)", data.Subject, local.Identifier())
			}
			return st.SaveCredential(args[0], local.Identifier(), cred)
		},
	}

	cmd.AddCommand(issue, imp)
	return cmd
}
