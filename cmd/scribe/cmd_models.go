// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/scribe/cmd/scribe/config"
	"github.com/AleutianAI/scribe/pkg/ux"
	"github.com/AleutianAI/scribe/services/api"
	"github.com/AleutianAI/scribe/services/models"
)

// errDeclined is returned when the user answers no to a confirmation.
var errDeclined = errors.New("cancelled by user")

// cliClient returns a client for --addr, or for the server address in the
// config file.
func cliClient() (*client, error) {
	if serverAddr != "" {
		return newClient(serverAddr), nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return newClient(cfg.Server.Addr), nil
}

// modelRows renders statuses for Printer.Table.
func modelRows(list []models.Status) [][]string {
	rows := make([][]string, 0, len(list))
	for _, st := range list {
		id := st.ID
		if st.IsDefault {
			id += " *"
		}
		progress := ""
		switch {
		case st.State == models.StateDownloaded:
			progress = ux.ProgressBar(1, 10)
		case st.Metadata != nil && st.State != models.StateNotDownloaded:
			progress = ux.ProgressBar(st.Metadata.CurrentProgress, 10)
		}
		rows = append(rows, []string{
			id,
			st.DisplayName,
			humanize.IBytes(uint64(max(st.ApproximateSizeBytes, 0))),
			fmt.Sprintf("%s %s", ux.StateIcon(st.State.String()), st.State),
			progress,
			st.Folder,
		})
	}
	return rows
}

func runListModels(cmd *cobra.Command, args []string) error {
	c, err := cliClient()
	if err != nil {
		return err
	}
	resp, err := c.ListModels(cmd.Context())
	if err != nil {
		return err
	}
	p := ux.Printer{Out: cmd.OutOrStdout(), Err: cmd.ErrOrStderr()}
	p.Title("Speech models")
	p.Table([]string{"ID", "NAME", "SIZE", "STATE", "PROGRESS", "FOLDER"}, modelRows(resp.Models))
	if ux.CurrentMode() != ux.ModeMachine {
		p.Info(fmt.Sprintf("* default model (%s)", resp.DefaultID))
	}
	return nil
}

func runModelStatus(cmd *cobra.Command, args []string) error {
	c, err := cliClient()
	if err != nil {
		return err
	}
	st, err := c.GetModel(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	printStatus(ux.Printer{Out: cmd.OutOrStdout(), Err: cmd.ErrOrStderr()}, st)
	return nil
}

func printStatus(p ux.Printer, st models.Status) {
	p.Table([]string{"ID", "NAME", "SIZE", "STATE", "PROGRESS", "FOLDER"}, modelRows([]models.Status{st}))
	md := st.Metadata
	if md == nil {
		return
	}
	if md.AttemptCount > 0 {
		p.Info(fmt.Sprintf("attempts: %d", md.AttemptCount))
	}
	if !md.LastProgressUpdate.IsZero() && st.State == models.StateDownloading {
		p.Info("last progress " + humanize.Time(md.LastProgressUpdate))
	}
	if md.ErrorMessage != "" {
		p.Warning(md.ErrorMessage)
	}
}

func runDownloadModel(cmd *cobra.Command, args []string) error {
	c, err := cliClient()
	if err != nil {
		return err
	}
	if _, err := c.StartDownload(cmd.Context(), args[0]); err != nil {
		return err
	}
	return followDownload(cmd.Context(), c, args[0], cmd.OutOrStdout())
}

func runRetryModel(cmd *cobra.Command, args []string) error {
	c, err := cliClient()
	if err != nil {
		return err
	}
	if _, err := c.RetryDownload(cmd.Context(), args[0], retryForce); err != nil {
		return err
	}
	return followDownload(cmd.Context(), c, args[0], cmd.OutOrStdout())
}

// followDownload shows progress until the download ends, unless --wait
// was turned off. A download that ends in any state other than downloaded
// is an error.
func followDownload(ctx context.Context, c *client, id string, w io.Writer) error {
	p := ux.Printer{Out: w, Err: os.Stderr}
	if !downloadWait {
		p.Success(fmt.Sprintf("download of %s started", id))
		return nil
	}
	updates, err := c.WatchProgress(ctx, id)
	if err != nil {
		return err
	}
	last, err := ux.RunProgress(ctx, w, id, updates)
	if errors.Is(err, ux.ErrProgressInterrupted) {
		p.Info(fmt.Sprintf("stopped watching; %s keeps downloading in the background", id))
		return nil
	}
	if err != nil {
		return err
	}

	switch last.State {
	case models.StateDownloaded.String():
		p.Success(fmt.Sprintf("%s downloaded", id))
		return nil
	case models.StateDownloading.String():
		p.Info(fmt.Sprintf("%s is still downloading", id))
		return nil
	}
	st, err := c.GetModel(ctx, id)
	if err != nil {
		return err
	}
	msg := last.Message
	if st.Metadata != nil && st.Metadata.ErrorMessage != "" {
		msg = st.Metadata.ErrorMessage
	}
	if msg == "" {
		msg = "download ended in state " + st.State.String()
	}
	return fmt.Errorf("%s: %s", id, msg)
}

func runCancelModel(cmd *cobra.Command, args []string) error {
	c, err := cliClient()
	if err != nil {
		return err
	}
	if err := c.CancelDownload(cmd.Context(), args[0]); err != nil {
		return err
	}
	ux.Printer{Out: cmd.OutOrStdout(), Err: cmd.ErrOrStderr()}.Success(fmt.Sprintf("download of %s cancelled", args[0]))
	return nil
}

func runDeleteModel(cmd *cobra.Command, args []string) error {
	id := args[0]
	if !deleteYes {
		if !ux.IsInteractive() {
			return fmt.Errorf("refusing to delete %s without --yes", id)
		}
		confirmed := false
		err := huh.NewConfirm().
			Title(fmt.Sprintf("Delete %s from disk?", id)).
			Affirmative("Delete").
			Negative("Keep").
			Value(&confirmed).
			Run()
		if err != nil {
			return err
		}
		if !confirmed {
			return errDeclined
		}
	}

	c, err := cliClient()
	if err != nil {
		return err
	}
	if err := c.DeleteModel(cmd.Context(), id); err != nil {
		return err
	}
	ux.Printer{Out: cmd.OutOrStdout(), Err: cmd.ErrOrStderr()}.Success(fmt.Sprintf("%s deleted", id))
	return nil
}

func runSelectModel(cmd *cobra.Command, args []string) error {
	c, err := cliClient()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	var id string
	if len(args) == 1 {
		id = args[0]
	} else {
		if !ux.IsInteractive() {
			return errors.New("a model id is required when not running in a terminal")
		}
		if id, err = pickInstalledModel(ctx, c); err != nil {
			return err
		}
	}

	prefs, err := c.SetPreferences(ctx, api.PreferencesRequest{SelectedModelID: id})
	if err != nil {
		return err
	}
	p := ux.Printer{Out: cmd.OutOrStdout(), Err: cmd.ErrOrStderr()}
	p.Success(fmt.Sprintf("selected model: %s", prefs.SelectedModelID))

	st, err := c.GetModel(ctx, id)
	if err == nil && st.State != models.StateDownloaded {
		p.Warning(fmt.Sprintf("%s is not installed yet; run 'scribe models download %s'", id, id))
	}
	return nil
}

// pickInstalledModel asks the user to choose among the installed models.
func pickInstalledModel(ctx context.Context, c *client) (string, error) {
	resp, err := c.ListModels(ctx)
	if err != nil {
		return "", err
	}
	prefs, err := c.Preferences(ctx)
	if err != nil {
		return "", err
	}

	var opts []huh.Option[string]
	for _, st := range resp.Models {
		if st.State != models.StateDownloaded {
			continue
		}
		label := fmt.Sprintf("%s  (%s, %s)", st.DisplayName, st.ID, humanize.IBytes(uint64(max(st.ApproximateSizeBytes, 0))))
		opts = append(opts, huh.NewOption(label, st.ID).Selected(st.ID == prefs.SelectedModelID))
	}
	if len(opts) == 0 {
		return "", errors.New("no models are installed; run 'scribe models download <id>' first")
	}

	choice := prefs.SelectedModelID
	err = huh.NewSelect[string]().
		Title("Model for local transcription").
		Options(opts...).
		Value(&choice).
		Run()
	return choice, err
}
