// log_test.go - Logging backend tests.
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

package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLevelFromString(t *testing.T) {
	require := require.New(t)

	for _, l := range []string{"ERROR", "WARNING", "NOTICE", "INFO", "DEBUG"} {
		_, err := logLevelFromString(l)
		require.NoError(err, l)
	}
	_, err := logLevelFromString("debug")
	require.Error(err)
}

func TestBackendWritesFile(t *testing.T) {
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "node.log")
	b, err := New(f, "DEBUG", false)
	require.NoError(err)

	l := b.GetLogger("flowcontrol")
	l.Noticef("denied delivery to %s", "echoer")
	require.NoError(b.Close())

	raw, err := os.ReadFile(f)
	require.NoError(err)
	require.Contains(string(raw), "flowcontrol: denied delivery to echoer")
}

func TestBackendRotate(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	f := filepath.Join(dir, "node.log")
	b, err := New(f, "NOTICE", false)
	require.NoError(err)
	l := b.GetLogger("node")
	l.Notice("before")

	require.NoError(os.Rename(f, filepath.Join(dir, "node.log.1")))
	require.NoError(b.Rotate())
	l.Notice("after")
	require.NoError(b.Close())

	raw, err := os.ReadFile(f)
	require.NoError(err)
	require.Contains(string(raw), "after")
	require.NotContains(string(raw), "before")
}
