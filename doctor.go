package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"

	"github.com/kir-gadjello/navassist/capture"
	"github.com/kir-gadjello/navassist/store"
)

var (
	okMark   = color.GreenString("✔")
	failMark = color.RedString("✘")
	warnMark = color.YellowString("!")
)

func runDoctor(a *app) {
	color.New(color.Bold).Println("navassist doctor")
	fmt.Println("================")

	if store.CheckFTS() {
		fmt.Printf("%s SQLite FTS5     : enabled (search available)\n", okMark)
	} else {
		fmt.Printf("%s SQLite FTS5     : disabled\n", failMark)
		fmt.Println("   -> FIX: build with '-tags sqlite_fts5'")
	}

	if a.store != nil {
		runs, msgs, err := a.store.Stats()
		if err == nil {
			fmt.Printf("%s History         : %d sessions, %d messages\n", okMark, runs, msgs)
		} else {
			fmt.Printf("%s History         : %v\n", failMark, err)
		}
	} else {
		fmt.Printf("%s History         : unavailable\n", failMark)
	}

	configPath := filepath.Join(configDir(), "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("%s Configuration   : found (%s)\n", okMark, configPath)
	} else {
		fmt.Printf("%s Configuration   : missing (%s), using defaults\n", warnMark, configPath)
	}

	fmt.Printf("  Session         : %s %s/%s/%s\n", a.cfg.SessionID, a.cfg.SiteID, a.cfg.Provider, a.cfg.Lang)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	if _, err := a.client.LoggingStatus(ctx, a.cfg.SessionID, a.cfg.Provider); err == nil {
		fmt.Printf("%s Backend         : %s (%v)\n", okMark, a.client.BaseURL(), time.Since(start).Round(time.Millisecond))
	} else {
		fmt.Printf("%s Backend         : %s (%v)\n", failMark, a.client.BaseURL(), err)
	}

	if a.synth.Available() {
		voices, _ := a.synth.Voices(ctx)
		fmt.Printf("%s Speech          : available (%d voices)\n", okMark, len(voices))
	} else {
		fmt.Printf("%s Speech          : synthesizer not found, narration disabled\n", warnMark)
	}

	if a.mic.Available() {
		fmt.Printf("%s Microphone      : recorder found (%s)\n", okMark, capture.PickMime(a.mic.Supports))
	} else {
		fmt.Printf("%s Microphone      : recorder not found, voice questions disabled\n", warnMark)
	}
}
