package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kir-gadjello/navassist/capture"
	"github.com/kir-gadjello/navassist/gateway"
	"github.com/kir-gadjello/navassist/logging"
	"github.com/kir-gadjello/navassist/speech"
	"github.com/kir-gadjello/navassist/store"
)

// app carries everything one invocation needs.
type app struct {
	cfg      RunConfig
	logger   *zap.Logger
	store    *store.Manager
	client   *gateway.Client
	narrator *speech.Narrator
	synth    *speech.CommandSynth
	mic      capture.CommandMicrophone
}

// newApp resolves configuration and opens the store. interactive keeps the
// logger off the terminal, which then belongs to the chat view.
func newApp(cmd *cobra.Command, interactive bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	dataDir := configDir()
	st, err := store.New(filepath.Join(dataDir, "navassist.db"), filepath.Join(dataDir, "history.jsonl"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to open history: %v\n", err)
	}

	var prefs store.Preferences
	if st != nil {
		if prefs, err = st.LoadPreferences(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to load preferences: %v\n", err)
		}
	}

	rc, err := getRunConfig(cmd, cfg, prefs)
	if err != nil {
		if st != nil {
			st.Close()
		}
		return nil, err
	}

	logger, err := logging.New(logging.Options{
		File:    filepath.Join(rc.DataDir, "navassist.log"),
		Level:   rc.LogLevel,
		Console: rc.Verbose && !interactive,
	})
	if err != nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("session_id", rc.SessionID))

	client := gateway.New(rc.APIBase,
		gateway.WithHTTPClient(&http.Client{Timeout: rc.Timeout}),
		gateway.WithLogger(logger.Named("gateway")),
		gateway.WithVerbose(rc.Verbose),
		gateway.WithHeaders(rc.Headers),
	)

	synth := &speech.CommandSynth{Argv: rc.SpeechCommand, VoiceList: rc.Voices}
	narrator := speech.NewNarrator(synth,
		speech.WithLogger(logger.Named("speech")),
		speech.WithLang(rc.Lang),
		speech.WithEnabled(rc.Speech),
	)

	return &app{
		cfg:      rc,
		logger:   logger,
		store:    st,
		client:   client,
		narrator: narrator,
		synth:    synth,
		mic:      capture.CommandMicrophone{Argv: rc.RecorderCommand, Formats: rc.RecorderFormats},
	}, nil
}

func (a *app) recorder() *capture.Recorder {
	return &capture.Recorder{
		Mic:         a.mic,
		MaxSeconds:  a.cfg.MaxRecordSeconds,
		BeforeStart: a.narrator.Cancel,
		Logger:      a.logger.Named("capture"),
	}
}

func (a *app) identity() gateway.Identity {
	return gateway.Identity{
		SessionID: a.cfg.SessionID,
		SiteID:    a.cfg.SiteID,
		Provider:  a.cfg.Provider,
		Lang:      a.cfg.Lang,
	}
}

func (a *app) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), a.cfg.Timeout)
}

// close flushes telemetry and narration before the process exits.
func (a *app) close() {
	a.client.Wait()
	a.narrator.Wait()
	if a.store != nil {
		a.store.Close()
	}
	a.logger.Sync()
}
