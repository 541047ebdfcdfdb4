package puredata

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socialgouv/fcpd-server/pkg/logger"
	"github.com/socialgouv/fcpd-server/pkg/types"
)

func TestArgs(t *testing.T) {
	addr := types.BridgeAddress{Host: "127.0.0.1", Port: 8888}

	args := Args("", false, addr, "/tmp/client.pd")
	assert.Equal(t, []string{"-send", "fcpd-server connect 127.0.0.1 8888", "-open", "/tmp/client.pd"}, args)

	args = Args("/opt/fcpd", true, addr, "/tmp/client.pd")
	assert.Equal(t, []string{
		"-path", filepath.Join("/opt/fcpd", "pdlib"),
		"-helppath", filepath.Join("/opt/fcpd", "pdhelp"),
		"-path", filepath.Join("/opt/fcpd", "pdautogen"),
		"-helppath", filepath.Join("/opt/fcpd", "pdautogenhelp"),
		"-send", "fcpd-server connect 127.0.0.1 8888",
		"-open", "/tmp/client.pd",
	}, args)
}

func TestPrepareRendersClientPatch(t *testing.T) {
	dir := t.TempDir()
	l := NewLauncher(Options{
		Executable: "pd",
		PdPort:     8889,
		Document:   "My Part",
		WorkDir:    dir,
		AllowRaw:   true,
	}, logger.Discard())

	args, err := l.Prepare(types.BridgeAddress{Host: "127.0.0.1", Port: 40000})
	require.NoError(t, err)
	require.Equal(t, "-open", args[len(args)-2])

	contents, err := os.ReadFile(args[len(args)-1])
	require.NoError(t, err)
	text := string(contents)
	assert.Contains(t, text, "#N canvas 200 200 450 300 12;\n")
	assert.Contains(t, text, "netreceive 8889;")
	assert.Contains(t, text, "fcpd client for My_Part bridge 127.0.0.1 40000;")
	assert.Contains(t, text, "#X declare -path pdautogen;")
}

func TestRenderClientRejectsUnknownFields(t *testing.T) {
	_, err := RenderClient("{{ .Missing }}", ClientData{})
	assert.Error(t, err)
}
