// main_test.go - Trust routing node binary tests.
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
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/trustroute/store"
)

func writeConfig(t *testing.T, dir string) string {
	f := filepath.Join(dir, "node.toml")
	cfg := fmt.Sprintf(`
[Node]
  Name = "node"
  DataDir = %q

[Logging]
  Disable = true
`, filepath.Join(dir, "data"))
	require.NoError(t, os.WriteFile(f, []byte(cfg), 0600))
	return f
}

func execute(t *testing.T, args ...string) string {
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute(), out.String())
	return out.String()
}

func TestTrustBootstrap(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()
	cfgFile := writeConfig(t, dir)

	out := execute(t, "-f", cfgFile, "identity")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Equal("Identity:", lines[len(lines)-2])
	exported := lines[len(lines)-1]
	require.Equal(out, execute(t, "-f", cfgFile, "identity"))

	// The node vouches for itself.
	execute(t, "-f", cfgFile, "trust", "add", "net", "--authority", exported)
	require.Equal("net\n", execute(t, "-f", cfgFile, "trust", "list"))

	cred := strings.TrimSpace(execute(t, "-f", cfgFile, "credential", "issue", "--subject", exported, "--attr", "role=relay"))
	execute(t, "-f", cfgFile, "credential", "import", "net", cred)

	st, err := store.Open(filepath.Join(dir, "data", "node.db"))
	require.NoError(err)
	local, err := st.LocalIdentity()
	require.NoError(err)
	stored, err := st.Credential("net", local.Identifier())
	require.NoError(err)
	data, err := stored.Decode()
	require.NoError(err)
	require.Equal([]byte("relay"), data.Attributes["role"])
	require.NoError(st.Close())

	execute(t, "-f", cfgFile, "trust", "remove", "net")
	require.Equal("", execute(t, "-f", cfgFile, "trust", "list"))
}

func TestCredentialImportNeedsTrustContext(t *testing.T) {
	dir := t.TempDir()
	cfgFile := writeConfig(t, dir)

	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"-f", cfgFile, "credential", "import", "net", "AAAA"})
	require.Error(t, cmd.Execute())
}
