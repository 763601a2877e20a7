// Package ui provides the colorized console output for the proxy: the
// startup banner and the one-line-per-request operator log.
package ui

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"

	"github.com/pylonproxy/pylon/internal/usage"
)

var (
	successText = color.New(color.FgGreen, color.Bold)
	warningText = color.New(color.FgYellow)
	errorText   = color.New(color.FgRed)
	infoText    = color.New(color.FgCyan, color.Bold)
	mutedText   = color.New(color.FgHiBlack)
	moneyText   = color.New(color.FgHiGreen)
)

// PrintBanner displays the startup banner.
func PrintBanner(version string) {
	fmt.Println()
	infoText.Println("  pylon - LLM proxy with usage ledger")
	mutedText.Printf("  version %s\n\n", version)
}

// PrintStartupInfo prints where the server listens and what it routes.
func PrintStartupInfo(host string, port, models int) {
	infoText.Print("[pylon] ")
	fmt.Printf("listening on http://%s:%d | %d model(s) configured\n", host, port, models)
	mutedText.Println("  POST /v1/chat/completions   chat completion (OpenAI-compatible)")
	mutedText.Println("  GET  /v1/models             configured models")
	mutedText.Println("  GET  /requests /stats       usage ledger")
	mutedText.Println("  GET  /health /metrics       operations")
	fmt.Println()
}

// PrintShutdown prints the graceful-shutdown notice.
func PrintShutdown() {
	fmt.Println()
	warningText.Println("[pylon] shutting down...")
}

// Recorder returns a usage.Recorder that prints the per-request console
// line, mirroring what lands in the ledger.
func Recorder() usage.Recorder {
	return usage.RecorderFunc(func(_ context.Context, rec *usage.Record) {
		printRequestLine(rec)
	})
}

func printRequestLine(rec *usage.Record) {
	mutedText.Printf("%s ", time.Now().Format("15:04:05"))

	switch rec.Outcome {
	case usage.OutcomeSuccess:
		successText.Print("✓ ")
	case usage.OutcomeCancelled:
		warningText.Print("⊘ ")
	default:
		errorText.Print("✗ ")
	}

	fmt.Printf("%s (%s) | %dms", rec.Alias, rec.Provider, rec.Duration.Milliseconds())

	if rec.PromptTokens != nil && rec.CompletionTokens != nil {
		fmt.Printf(" | %d→%d tokens", *rec.PromptTokens, *rec.CompletionTokens)
	}
	if rec.Cost != nil {
		moneyText.Printf(" | $%.4f", *rec.Cost)
	}
	switch rec.Outcome {
	case usage.OutcomeCancelled:
		mutedText.Print(" | client cancelled")
	case usage.OutcomeError:
		errorText.Printf(" | %s", rec.ErrorCode)
	}
	fmt.Println()
}
