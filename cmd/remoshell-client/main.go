// Command remoshell-client is the desktop entrypoint: a Wails window hosting
// the embedded frontend and bound to bridge.App.
package main

import (
	"embed"
	"os"
	"runtime"
	"strings"

	"github.com/wailsapp/wails/v2"
	"github.com/wailsapp/wails/v2/pkg/options"
	"github.com/wailsapp/wails/v2/pkg/options/assetserver"
	"github.com/wailsapp/wails/v2/pkg/options/linux"

	"github.com/moukrea/remoshell-sub001/bridge"
)

func setDefaultEnv(key, value string) {
	if os.Getenv(key) == "" {
		_ = os.Setenv(key, value)
	}
}

func configureLinuxDesktopEnv() {
	if runtime.GOOS != "linux" {
		return
	}
	if os.Getenv("WAYLAND_DISPLAY") == "" {
		return
	}

	// WebKitGTK can hit compositor/protocol errors on some Wayland stacks.
	setDefaultEnv("WEBKIT_DISABLE_COMPOSITING_MODE", "1")
	setDefaultEnv("WEBKIT_DISABLE_DMABUF_RENDERER", "1")
	if os.Getenv("DISPLAY") != "" {
		setDefaultEnv("GDK_BACKEND", "x11")
	}
}

//go:embed all:frontend/dist
var assets embed.FS

// parseStartupDeviceID scans args for a remoshell:// URL and returns the
// device ID portion. Returns "" if no such argument is present.
func parseStartupDeviceID(args []string) string {
	const scheme = "remoshell://"
	for _, arg := range args {
		if strings.HasPrefix(arg, scheme) {
			id := strings.TrimPrefix(arg, scheme)
			id = strings.TrimRight(id, "/")
			return id
		}
	}
	return ""
}

func main() {
	configureLinuxDesktopEnv()

	app := bridge.NewApp()
	app.SetStartupDeviceID(parseStartupDeviceID(os.Args[1:]))

	err := wails.Run(&options.App{
		Title:     "remoshell",
		Width:     1000,
		Height:    700,
		MinWidth:  480,
		MinHeight: 360,
		Frameless: true,
		AssetServer: &assetserver.Options{
			Assets: assets,
		},
		BackgroundColour: &options.RGBA{R: 20, G: 22, B: 28, A: 1},
		OnStartup:        app.Startup,
		OnShutdown:       app.Shutdown,
		DragAndDrop: &options.DragAndDrop{
			EnableFileDrop:     true,
			DisableWebViewDrop: true,
			CSSDropProperty:    "--wails-drop-target",
			CSSDropValue:       "drop",
		},
		Linux: &linux.Options{
			ProgramName: "remoshell",
		},
		Bind: []interface{}{
			app,
		},
	})

	if err != nil {
		println("Error:", err.Error())
	}
}
