// Package puredata builds the Pure-Data command line and the client patch
// that makes a fresh Pure-Data instance dial back into the bridge.
package puredata

import (
	"bytes"
	"embed"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"

	sprig "github.com/Masterminds/sprig/v3"

	pkgerrors "github.com/socialgouv/fcpd-server/pkg/errors"
	"github.com/socialgouv/fcpd-server/pkg/logger"
	"github.com/socialgouv/fcpd-server/pkg/types"
)

// ReceiverName is the Pure-Data receiver the -send startup message targets
const ReceiverName = "fcpd-server"

// ClientFilename is the name of the rendered client patch
const ClientFilename = "client.pd"

//go:embed templates/*
var templates embed.FS

// Options configures a Launcher
type Options struct {
	// Executable is the Pure-Data binary
	Executable string
	// LibDir holds pdlib, pdhelp and, for raw access, pdautogen and pdautogenhelp
	LibDir string
	// AllowRaw adds the raw-message abstractions to the search path
	AllowRaw bool
	// PdPort is the port the client patch listens on
	PdPort int
	// Document names the host document in the client patch
	Document string
	// WorkDir receives the rendered client patch
	WorkDir string
	// TemplateFile overrides the embedded client template
	TemplateFile string
}

// ClientData is what the client template is rendered with
type ClientData struct {
	Host     string
	Port     int
	PdPort   int
	Document string
	AllowRaw bool
}

// Launcher prepares Pure-Data invocations for a bridge address
type Launcher struct {
	opts   Options
	logger logger.Logger
}

// NewLauncher creates a launcher
func NewLauncher(opts Options, log logger.Logger) *Launcher {
	return &Launcher{
		opts:   opts,
		logger: logger.WithComponent(log, "puredata"),
	}
}

// Executable returns the configured Pure-Data binary
func (l *Launcher) Executable() string {
	return l.opts.Executable
}

// Prepare renders the client patch for addr and returns the argument list
// for the Pure-Data executable
func (l *Launcher) Prepare(addr types.BridgeAddress) ([]string, error) {
	data := ClientData{
		Host:     addr.Host,
		Port:     addr.Port,
		PdPort:   l.opts.PdPort,
		Document: l.opts.Document,
		AllowRaw: l.opts.AllowRaw,
	}

	tmpl, err := l.loadTemplate()
	if err != nil {
		return nil, err
	}
	contents, err := RenderClient(tmpl, data)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(l.opts.WorkDir, 0o755); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to create work directory")
	}
	clientPath := filepath.Join(l.opts.WorkDir, ClientFilename)
	if err := os.WriteFile(clientPath, contents, 0o644); err != nil {
		return nil, pkgerrors.WrapWithField(err, "path", clientPath, "failed to write client patch")
	}

	args := Args(l.opts.LibDir, l.opts.AllowRaw, addr, clientPath)

	l.logger.WithFields(map[string]interface{}{
		logger.FieldAddress: addr.String(),
		"client":            clientPath,
	}).Debug("Prepared Pure-Data invocation")

	return args, nil
}

func (l *Launcher) loadTemplate() (string, error) {
	if l.opts.TemplateFile != "" {
		data, err := os.ReadFile(l.opts.TemplateFile)
		if err != nil {
			return "", pkgerrors.WrapWithField(err, "path", l.opts.TemplateFile, "failed to read client template")
		}
		return string(data), nil
	}
	data, err := templates.ReadFile("templates/client.pd.tmpl")
	if err != nil {
		return "", pkgerrors.Wrap(err, "embedded client template missing")
	}
	return string(data), nil
}

// Args builds the Pure-Data command line. The bridge address travels in a
// startup message to the client patch's receiver.
func Args(libDir string, allowRaw bool, addr types.BridgeAddress, clientPath string) []string {
	var args []string
	if libDir != "" {
		args = append(args,
			"-path", filepath.Join(libDir, "pdlib"),
			"-helppath", filepath.Join(libDir, "pdhelp"))
		if allowRaw {
			args = append(args,
				"-path", filepath.Join(libDir, "pdautogen"),
				"-helppath", filepath.Join(libDir, "pdautogenhelp"))
		}
	}
	args = append(args,
		"-send", strings.Join([]string{ReceiverName, "connect", addr.Host, strconv.Itoa(addr.Port)}, " "),
		"-open", clientPath)
	return args
}

// RenderClient executes a client template with the sprig function map
func RenderClient(text string, data ClientData) ([]byte, error) {
	t, err := template.New("client").Funcs(sprig.TxtFuncMap()).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "invalid client template")
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to render client template")
	}
	return buf.Bytes(), nil
}
