package mixdeck

import (
	"context"
	"fmt"
	"net/url"
	"os"

	"github.com/getlantern/systray"

	"github.com/stalexteam/mixdeck/pkg/mixdeck/icon"
	"github.com/stalexteam/mixdeck/pkg/mixdeck/util"
)

func (r *Relay) initializeTray(onDone func()) {
	logger := r.logger.Named("tray")

	onReady := func() {
		logger.Debug("Tray instance ready")

		systray.SetTemplateIcon(icon.Logo, icon.Logo)
		systray.SetTitle("mixdeck")
		systray.SetTooltip("mixdeck")

		editConfig := systray.AddMenuItem("Edit configuration", "Open config file with notepad")
		editConfig.SetIcon(icon.EditConfig)

		refreshDevices := systray.AddMenuItem("Refresh devices", "Re-enumerate audio devices if something's stuck")
		refreshDevices.SetIcon(icon.RefreshDevices)

		openState := systray.AddMenuItem("Open current state", "Show the latest device snapshot (JSON) in your browser")
		if r.config.UIServer.Port <= 0 {
			openState.Disable()
		}

		// Only enable stack trace dump in verbose/debug mode
		var dumpStack *systray.MenuItem
		if r.options.Verbose {
			dumpStack = systray.AddMenuItem("Dump stack trace", "Output all goroutines stack trace to log (for debugging deadlocks)")
		}

		if r.version != "" {
			systray.AddSeparator()
			versionInfo := systray.AddMenuItem(r.version, "")
			versionInfo.Disable()
		}

		systray.AddSeparator()
		quit := systray.AddMenuItem("Quit", "Stop mixdeck and quit")

		// wait on things to happen
		go func() {
			for {
				select {

				// quit
				case <-quit.ClickedCh:
					logger.Info("Quit menu item clicked, stopping")

					r.signalStop()

				// edit config
				case <-editConfig.ClickedCh:
					logger.Info("Edit config menu item clicked, opening config for editing")

					editor := "notepad.exe"
					if util.Linux() {
						if editorEnv := os.Getenv("EDITOR"); editorEnv != "" {
							editor = editorEnv
						} else {
							editor = "xdg-open"
						}
					}

					if !util.FileExists(r.config.configFilepath()) {
						r.notifier.Notify("No configuration file found!",
							fmt.Sprintf("Create %s next to mixdeck to override the defaults.", r.config.configFilepath()))
						continue
					}

					if err := util.OpenExternal(logger, editor, r.config.configFilepath()); err != nil {
						logger.Warnw("Failed to open config file for editing", "error", err)
					}

				// refresh devices
				case <-refreshDevices.ClickedCh:
					logger.Info("Refresh devices menu item clicked, requesting registry rebuild")

					if err := r.Submit(context.Background(), RefreshCommand(nil)); err != nil {
						logger.Warnw("Failed to request refresh", "error", err)
					}

				// open the current state
				case <-openState.ClickedCh:
					addr := r.ui.Addr()
					if addr == "" {
						logger.Warn("Open current state menu item clicked, but the UI server isn't running")
						continue
					}

					logger.Infow("Open current state menu item clicked, opening browser", "addr", addr)

					opener := "explorer.exe"
					if util.Linux() {
						opener = "xdg-open"
					}

					if err := util.OpenExternal(logger, opener, stateURL(addr)); err != nil {
						logger.Warnw("Failed to open current state", "error", err)
					}
				}
			}
		}()

		// dump stack trace handler (only in verbose/debug mode)
		if dumpStack != nil {
			go func() {
				for {
					<-dumpStack.ClickedCh
					logger.Info("Dump stack trace menu item clicked, outputting all goroutines stack trace")
					util.DumpAllGoroutines(logger)
				}
			}()
		}

		// actually start the main runtime
		onDone()
	}

	onExit := func() {
		logger.Debug("Tray exited")
	}

	// start the tray icon
	logger.Debug("Running in tray")
	r.trayRunning.Store(true)
	systray.Run(onReady, onExit)
}

func (r *Relay) stopTray() {
	if !r.trayRunning.Load() {
		return
	}

	r.logger.Debug("Quitting tray")
	systray.Quit()
}

// stateURL is where the UI server serves its latest snapshot
func stateURL(addr string) string {
	return (&url.URL{Scheme: "http", Host: addr, Path: "/state"}).String()
}
