// voice-client is a small command-line client for the voice-reply-service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-reply-service/internal/core"
)

// Flag descriptions.
const (
	flagServerDesc  = "Base URL of the voice-reply-service"
	flagUserDesc    = "User id sent in the X-User-ID header"
	flagPersonaDesc = "Persona id of the conversation"
	flagSendDesc    = "Audio file to send as a voice message"
	flagHistoryDesc = "Print the conversation history and exit"
	flagLimitDesc   = "Maximum number of history messages to print"
	flagWaitDesc    = "How long to wait for the reply after sending"
	flagOutputDesc  = "Directory where the reply audio is saved"
	flagHealthDesc  = "Check service health and exit"
	flagVerboseDesc = "Enable verbose logging"
)

// Flag names.
const (
	flagServer  = "server"
	flagUser    = "user"
	flagPersona = "persona"
	flagSend    = "send"
	flagHistory = "history"
	flagLimit   = "limit"
	flagWait    = "wait"
	flagOutput  = "output"
	flagHealth  = "health"
	flagVerbose = "verbose"
)

// Error messages.
const (
	errEitherSendOrHistory   = "Either --send or --history must be provided"
	errCannotSpecifyBoth     = "Cannot specify both --send and --history"
	errUserRequired          = "--user is required"
	errPersonaRequired       = "--persona is required"
	errFailedToInitLogger    = "Failed to initialize logger: %w"
	errServiceNotHealthy     = "Service is not healthy: %v\n"
	errFailedToSend          = "Failed to send voice message: %w"
	errFailedToLoadHistory   = "Failed to load history: %w"
	errFailedToReadAudioFile = "Failed to read audio file %s: %w"
	errNoReplyBeforeDeadline = "no reply before deadline"
)

// Log messages.
const (
	logClientInitialized = "Voice client initialized (server: %s)"
	logServiceHealthy    = "Service is healthy"
	logSent              = "Sent message %d (status %s)\n"
	logReply             = "Reply %d [%s] tone=%s: %s\n"
	logReplySaved        = "Reply audio saved to %s\n"
	logHistoryLine       = "%4d %-9s %-10s %s\n"
)

const (
	logFileNameDefault = "voice-client.log"
	logFileNameVerbose = "voice-client-verbose.log"
	defaultServer      = "http://localhost:8080"
	defaultLimit       = 50
	defaultWait        = 2 * time.Minute
	pollInterval       = time.Second
	requestTimeout     = 30 * time.Second
)

var (
	errMissingAction = errors.New(errEitherSendOrHistory)
	errBothActions   = errors.New(errCannotSpecifyBoth)
	errMissingUser   = errors.New(errUserRequired)
	errMissingPerson = errors.New(errPersonaRequired)
	errNoReply       = errors.New(errNoReplyBeforeDeadline)
)

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	server  string
	user    string
	persona uint
	send    string
	history bool
	limit   int
	wait    time.Duration
	output  string
	health  bool
	verbose bool
}

func main() {
	err := run()
	if err != nil {
		// The logger may not exist yet.
		log.Fatalf("Error: %v", err)
	}
}

func run() error {
	flags, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		return err
	}

	logFileName := logFileNameDefault
	if flags.verbose {
		logFileName = logFileNameVerbose
	}

	clientLog, err := logger.New(os.TempDir(), logFileName)
	if err != nil {
		return fmt.Errorf(errFailedToInitLogger, err)
	}

	defer func() { _ = clientLog.Close() }()

	clientLog.Info(logClientInitialized, flags.server)

	client := newAPIClient(flags.server, flags.user, requestTimeout)

	if flags.health {
		return handleHealthCheck(client, clientLog)
	}

	err = validateArguments(flags)
	if err != nil {
		flag.Usage()
		clientLog.Error("%v", err)

		return err
	}

	return handleExecution(client, clientLog, flags, os.Stdout)
}

// parseFlags defines and parses command-line flags on fs.
func parseFlags(fs *flag.FlagSet, args []string) (appFlags, error) {
	var flags appFlags

	fs.StringVar(&flags.server, flagServer, defaultServer, flagServerDesc)
	fs.StringVar(&flags.user, flagUser, "", flagUserDesc)
	fs.UintVar(&flags.persona, flagPersona, 0, flagPersonaDesc)
	fs.StringVar(&flags.send, flagSend, "", flagSendDesc)
	fs.BoolVar(&flags.history, flagHistory, false, flagHistoryDesc)
	fs.IntVar(&flags.limit, flagLimit, defaultLimit, flagLimitDesc)
	fs.DurationVar(&flags.wait, flagWait, defaultWait, flagWaitDesc)
	fs.StringVar(&flags.output, flagOutput, ".", flagOutputDesc)
	fs.BoolVar(&flags.health, flagHealth, false, flagHealthDesc)
	fs.BoolVar(&flags.verbose, flagVerbose, false, flagVerboseDesc)

	err := fs.Parse(args)
	if err != nil {
		return appFlags{}, err
	}

	return flags, nil
}

// validateArguments checks required and conflicting arguments.
func validateArguments(flags appFlags) error {
	if flags.send == "" && !flags.history {
		return errMissingAction
	}

	if flags.send != "" && flags.history {
		return errBothActions
	}

	if flags.user == "" {
		return errMissingUser
	}

	if flags.persona == 0 {
		return errMissingPerson
	}

	return nil
}

func handleHealthCheck(client *apiClient, clientLog *logger.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	err := client.health(ctx)
	if err != nil {
		clientLog.Error("Health check failed: %v", err)
		fmt.Printf(errServiceNotHealthy, err)

		return err
	}

	fmt.Println(logServiceHealthy)

	return nil
}

func handleExecution(client *apiClient, clientLog *logger.Logger, flags appFlags, out io.Writer) error {
	if flags.history {
		return printHistory(client, clientLog, flags, out)
	}

	return sendAndWait(client, clientLog, flags, out)
}

func printHistory(client *apiClient, clientLog *logger.Logger, flags appFlags, out io.Writer) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	messages, err := client.history(ctx, flags.persona, flags.limit)
	if err != nil {
		clientLog.Error("History request failed: %v", err)

		return fmt.Errorf(errFailedToLoadHistory, err)
	}

	for _, msg := range messages {
		fmt.Fprintf(out, logHistoryLine, msg.ID, msg.Role, msg.Status, deref(msg.ContentText))
	}

	return nil
}

func sendAndWait(client *apiClient, clientLog *logger.Logger, flags appFlags, out io.Writer) error {
	data, err := os.ReadFile(flags.send)
	if err != nil {
		return fmt.Errorf(errFailedToReadAudioFile, flags.send, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), flags.wait+requestTimeout)
	defer cancel()

	sent, err := client.send(ctx, flags.persona, filepath.Base(flags.send), data)
	if err != nil {
		clientLog.Error("Send failed: %v", err)

		return fmt.Errorf(errFailedToSend, err)
	}

	fmt.Fprintf(out, logSent, sent.ID, sent.Status)
	clientLog.Info("Sent message %d, waiting up to %s for the reply", sent.ID, flags.wait)

	reply, err := waitForReply(ctx, client, flags.persona, sent.ID, flags.wait, pollInterval)
	if err != nil {
		clientLog.Error("Waiting for reply to %d: %v", sent.ID, err)

		return err
	}

	tone := ""
	if reply.Analysis != nil {
		tone = reply.Analysis.Tone
	}

	fmt.Fprintf(out, logReply, reply.ID, reply.Status, tone, deref(reply.ContentText))

	if reply.AudioURL == nil {
		return nil
	}

	target := filepath.Join(flags.output, filepath.Base(*reply.AudioURL))

	err = client.download(ctx, *reply.AudioURL, target)
	if err != nil {
		clientLog.Error("Downloading %s: %v", *reply.AudioURL, err)

		return err
	}

	fmt.Fprintf(out, logReplySaved, target)

	return nil
}

// waitForReply polls the history until the reply to userMessageID is terminal.
func waitForReply(
	ctx context.Context,
	client *apiClient,
	personaID, userMessageID uint,
	wait, interval time.Duration,
) (core.Message, error) {
	deadline := time.Now().Add(wait)

	for {
		messages, err := client.history(ctx, personaID, 0)
		if err != nil {
			return core.Message{}, err
		}

		for _, msg := range messages {
			if msg.ReplyToID != nil && *msg.ReplyToID == userMessageID && msg.Status.IsTerminal() {
				return msg, nil
			}
		}

		if time.Now().After(deadline) {
			return core.Message{}, errNoReply
		}

		select {
		case <-ctx.Done():
			return core.Message{}, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}

	return *s
}
