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
	"github.com/spf13/cobra"

	"github.com/AleutianAI/scribe/pkg/ux"
)

// --- Global Command Variables ---
var (
	configPath string
	serverAddr string
	outputMode string

	// models flags
	downloadWait bool
	retryForce   bool
	deleteYes    bool

	// transcribe flags
	transcribeLanguage string
	transcribeDetails  bool

	rootCmd = &cobra.Command{
		Use:   "scribe",
		Short: "Local speech-to-text with managed models and cloud fallback",
		Long: `Scribe downloads and manages on-device speech models, transcribes
audio locally, and falls back to a cloud engine when local inference fails.

Run 'scribe serve' first; the other commands talk to it.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if outputMode != "" {
				ux.SetMode(ux.ParseMode(outputMode))
			} else {
				ux.InitMode()
			}
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the model manager and transcription API",
		Args:  cobra.NoArgs,
		RunE:  runServe, // Defined in cmd_serve.go
	}

	// --- Models ---
	modelsCmd = &cobra.Command{
		Use:   "models",
		Short: "List, download, and select speech models",
	}
	listModelsCmd = &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List catalog models and their download state",
		Args:    cobra.NoArgs,
		RunE:    runListModels, // Defined in cmd_models.go
	}
	statusModelCmd = &cobra.Command{
		Use:   "status [model_id]",
		Short: "Show one model's download state and progress",
		Args:  cobra.ExactArgs(1),
		RunE:  runModelStatus,
	}
	downloadModelCmd = &cobra.Command{
		Use:   "download [model_id]",
		Short: "Start downloading a model",
		Args:  cobra.ExactArgs(1),
		RunE:  runDownloadModel,
	}
	retryModelCmd = &cobra.Command{
		Use:   "retry [model_id]",
		Short: "Retry a failed or stale download",
		Args:  cobra.ExactArgs(1),
		RunE:  runRetryModel,
	}
	cancelModelCmd = &cobra.Command{
		Use:   "cancel [model_id]",
		Short: "Cancel an in-flight download",
		Args:  cobra.ExactArgs(1),
		RunE:  runCancelModel,
	}
	deleteModelCmd = &cobra.Command{
		Use:   "delete [model_id]",
		Short: "Delete a model from disk",
		Args:  cobra.ExactArgs(1),
		RunE:  runDeleteModel,
	}
	selectModelCmd = &cobra.Command{
		Use:   "select [model_id]",
		Short: "Choose the model used for local transcription",
		Long: `Choose the model used for local transcription. Without an argument an
interactive picker lists the installed models.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runSelectModel,
	}

	// --- Engine ---
	engineCmd = &cobra.Command{
		Use:       "engine [local|cloud]",
		Short:     "Show or set the preferred transcription engine",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"local", "cloud"},
		RunE:      runEngine, // Defined in cmd_transcribe.go
	}

	// --- Transcription ---
	transcribeCmd = &cobra.Command{
		Use:   "transcribe [audio_file]",
		Short: "Transcribe an audio file",
		Args:  cobra.ExactArgs(1),
		RunE:  runTranscribe,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.scribe/scribe.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "", "address of a running 'scribe serve' (default from config)")
	rootCmd.PersistentFlags().StringVar(&outputMode, "output", "", "output mode: rich, plain, or machine (env: SCRIBE_OUTPUT)")

	rootCmd.AddCommand(serveCmd)

	rootCmd.AddCommand(modelsCmd)
	modelsCmd.AddCommand(listModelsCmd)
	modelsCmd.AddCommand(statusModelCmd)
	modelsCmd.AddCommand(downloadModelCmd)
	downloadModelCmd.Flags().BoolVarP(&downloadWait, "wait", "w", true, "follow progress until the download finishes")
	modelsCmd.AddCommand(retryModelCmd)
	retryModelCmd.Flags().BoolVar(&retryForce, "force", false, "reset the attempt counter and delete partial files first")
	retryModelCmd.Flags().BoolVarP(&downloadWait, "wait", "w", true, "follow progress until the download finishes")
	modelsCmd.AddCommand(cancelModelCmd)
	modelsCmd.AddCommand(deleteModelCmd)
	deleteModelCmd.Flags().BoolVarP(&deleteYes, "yes", "y", false, "do not ask for confirmation")
	modelsCmd.AddCommand(selectModelCmd)

	rootCmd.AddCommand(engineCmd)

	rootCmd.AddCommand(transcribeCmd)
	transcribeCmd.Flags().StringVarP(&transcribeLanguage, "language", "l", "", "two-letter language hint (e.g. en)")
	transcribeCmd.Flags().BoolVar(&transcribeDetails, "details", false, "print the routing decisions")
}
