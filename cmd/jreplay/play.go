package main

import (
	"fmt"
	"io"
	"log/slog"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/kalambet/jreplay/internal/config"
	"github.com/kalambet/jreplay/internal/journey"
	"github.com/kalambet/jreplay/internal/playback"
	"github.com/kalambet/jreplay/internal/replay"
	"github.com/kalambet/jreplay/internal/storage"
	"github.com/kalambet/jreplay/internal/tui"
)

var playCmd = &cobra.Command{
	Use:   "play [run-id]",
	Short: "Replay a run in the terminal viewer",
	Long: `Replay a run in the terminal viewer.

The run is read from the local database, or from a JSON file with --file.
No server needs to be running.

Keys: space play/pause, ←/→ step, [ ] speed, l loop, r reset,
/ search, n/N next/previous match, d context diff, q quit.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		speedFlag, _ := cmd.Flags().GetString("speed")
		loop, _ := cmd.Flags().GetBool("loop")
		if (file == "") == (len(args) == 0) {
			return fmt.Errorf("give either a run id or --file")
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		speed, err := cfg.PlaybackSpeed()
		if err != nil {
			return err
		}
		if speedFlag != "" {
			if speed, err = playback.ParseSpeed(speedFlag); err != nil {
				return err
			}
		}

		var run *journey.Run
		if file != "" {
			run, err = journey.LoadFile(file)
		} else {
			run, err = loadStoredRun(cfg.Storage.DataDir, args[0])
		}
		if err != nil {
			return err
		}

		clock := &playback.ManualScheduler{}
		session := replay.NewSession(replay.Options{
			Scheduler: clock,
			Playback:  playback.Config{Speed: speed, LoopEnabled: loop},
			// The viewer owns the terminal.
			Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		})
		if _, err := session.LoadRun(run); err != nil {
			return err
		}
		defer session.Unload()

		for _, a := range session.Anomalies() {
			printWarning("%s", a)
		}

		p := tea.NewProgram(tui.New(session, clock, cfg.Tick()), tea.WithAltScreen(), tea.WithContext(cmd.Context()))
		_, err = p.Run()
		return err
	},
}

func loadStoredRun(dataDir, id string) (*journey.Run, error) {
	store, err := storage.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()
	return store.GetRun(id)
}

func init() {
	playCmd.Flags().String("file", "", "replay a run JSON file instead of a stored run")
	playCmd.Flags().String("speed", "", "initial speed: 0.25x, 0.5x, 1x, 2x, 4x or instant (default from config)")
	playCmd.Flags().Bool("loop", false, "start with looping enabled")
}
