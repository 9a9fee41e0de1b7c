// Package fetcher obtains the full RFC 5322 source and authoritative header
// summary for exactly one message via the mail store's scripting channel.
package fetcher

import (
	"context"
	"encoding/base64"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hkdb/syncd/internal/logging"
)

// fieldSep is the top-level field delimiter used by the scripting channel's
// response envelope, chosen so it cannot occur inside a message source
// (the source itself is base64-transported, so it's byte-safe regardless).
const fieldSep = "|||"

// ErrVanished is returned when the scripting channel reports that the
// identified message no longer exists in the mail store.
var ErrVanished = fmt.Errorf("message vanished from mail store")

// Summary is the authoritative header summary and source returned by a
// successful fetch.
type Summary struct {
	MessageID string
	Subject   string
	Sender    string
	Date      time.Time
	To        string
	Cc        string
	IsRead    bool
	IsFlagged bool
	Source    []byte
}

// Runner invokes the mail store's scripting subprocess for a single request
// and returns its raw stdout. Abstracted for testability; the production
// implementation shells out to the scripting helper configured at startup.
type Runner interface {
	Run(ctx context.Context, accountName, mailboxName string, internalID int64) (stdout []byte, err error)

	// RunByMessageID performs the string-keyed lookup variant: a linear scan
	// on the mail store's side, reserved for the rare thread-anchor
	// resolution path since the integer path is otherwise
	// mandatory.
	RunByMessageID(ctx context.Context, accountName, messageID string) (stdout []byte, err error)
}

// ScriptRunner invokes an external scripting helper binary as a subprocess,
// one at a time, per message. This is the one discipline the mail store's
// scripting bridge demands: the host application becomes unresponsive under
// concurrent scripting load.
type ScriptRunner struct {
	// Path is the scripting helper executable invoked for every fetch.
	Path string
}

// Run shells out to the scripting helper with positional arguments
// (account name, mailbox name, internal id) and returns its stdout.
func (r ScriptRunner) Run(ctx context.Context, accountName, mailboxName string, internalID int64) ([]byte, error) {
	cmd := exec.CommandContext(ctx, r.Path, accountName, mailboxName, strconv.FormatInt(internalID, 10))
	out, err := cmd.Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("scripting helper exited %d: %s", ee.ExitCode(), strings.TrimSpace(string(ee.Stderr)))
		}
		return nil, fmt.Errorf("run scripting helper: %w", err)
	}
	return out, nil
}

// RunByMessageID shells out to the scripting helper's string-keyed lookup
// mode, signaled by a leading "--by-message-id" flag so a single helper
// binary can serve both request shapes.
func (r ScriptRunner) RunByMessageID(ctx context.Context, accountName, messageID string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, r.Path, "--by-message-id", accountName, messageID)
	out, err := cmd.Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("scripting helper exited %d: %s", ee.ExitCode(), strings.TrimSpace(string(ee.Stderr)))
		}
		return nil, fmt.Errorf("run scripting helper: %w", err)
	}
	return out, nil
}

// Fetcher serializes calls to the scripting channel, bounding each to a
// configurable wall-clock timeout.
type Fetcher struct {
	runner      Runner
	accountName string
	timeout     time.Duration

	// mu enforces the single-outstanding-request discipline: the scripting
	// channel is exclusive-use.
	mu sync.Mutex

	log zerolog.Logger
}

// New constructs a Fetcher bound to a single mail account name. timeout is
// the per-call wall-clock limit (default 200s).
func New(runner Runner, accountName string, timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 200 * time.Second
	}
	return &Fetcher{
		runner:      runner,
		accountName: accountName,
		timeout:     timeout,
		log:         logging.WithComponent("fetcher"),
	}
}

// Fetch retrieves the full source and authoritative header summary for one
// message. Returns ErrVanished if the scripting channel reports the message
// no longer exists.
func (f *Fetcher) Fetch(ctx context.Context, internalID int64, mailbox string) (Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	f.log.Debug().Int64("internal_id", internalID).Str("mailbox", mailbox).Msg("fetching message")

	out, err := f.runner.Run(ctx, f.accountName, mailbox, internalID)
	if err != nil {
		if ctx.Err() != nil {
			return Summary{}, fmt.Errorf("fetch %d timed out after %s: %w", internalID, f.timeout, ctx.Err())
		}
		return Summary{}, fmt.Errorf("fetch %d: %w", internalID, err)
	}

	return parseResponse(out)
}

// FetchByMessageID resolves a single message by its Message-ID string rather
// than its internal row id, reserved for thread-anchor resolution.
// The bool return distinguishes "anchor not found" (ok=false, nil
// error) from a hard fetch failure, since a missing anchor is an expected,
// handled outcome rather than an error.
func (f *Fetcher) FetchByMessageID(ctx context.Context, messageID string) (Summary, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	f.log.Debug().Str("message_id", messageID).Msg("resolving thread anchor by message id")

	out, err := f.runner.RunByMessageID(ctx, f.accountName, messageID)
	if err != nil {
		if ctx.Err() != nil {
			return Summary{}, false, fmt.Errorf("fetch by message id %q timed out after %s: %w", messageID, f.timeout, ctx.Err())
		}
		return Summary{}, false, fmt.Errorf("fetch by message id %q: %w", messageID, err)
	}

	summary, err := parseResponse(out)
	if err != nil {
		if err == ErrVanished {
			return Summary{}, false, nil
		}
		return Summary{}, false, err
	}
	return summary, true, nil
}

// parseResponse decodes the scripting channel's fixed-delimiter response:
// message_id|||subject|||sender|||date|||to|||cc|||read|||flagged|||base64(source)
// or the literal "VANISHED" to signal deletion discovery.
func parseResponse(raw []byte) (Summary, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "VANISHED" {
		return Summary{}, ErrVanished
	}

	fields := strings.Split(trimmed, fieldSep)
	if len(fields) != 9 {
		return Summary{}, fmt.Errorf("malformed scripting response: expected 9 fields, got %d", len(fields))
	}

	dateUnix, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return Summary{}, fmt.Errorf("malformed scripting response date %q: %w", fields[3], err)
	}

	source, err := base64.StdEncoding.DecodeString(fields[8])
	if err != nil {
		return Summary{}, fmt.Errorf("malformed scripting response source encoding: %w", err)
	}

	return Summary{
		MessageID: fields[0],
		Subject:   fields[1],
		Sender:    fields[2],
		Date:      time.Unix(dateUnix, 0),
		To:        fields[4],
		Cc:        fields[5],
		IsRead:    fields[6] == "1",
		IsFlagged: fields[7] == "1",
		Source:    source,
	}, nil
}
