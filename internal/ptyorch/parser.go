package ptyorch

import (
	"regexp"
	"strings"
)

// CommandKind distinguishes the three output-parser targets (§4.6).
type CommandKind int

const (
	CommandSend CommandKind = iota
	CommandSpawn
	CommandRelease
)

// ParsedCommand is one recognized outbound directive extracted from a
// child's PTY output.
type ParsedCommand struct {
	Kind      CommandKind
	Recipient string
	Thread    string
	Body      string
	MatchEnd  int // offset into the scanned buffer just past this match
}

var ansiEscapeRegex = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*\x07`)

// stripANSI removes terminal escape sequences so the directive regexes
// only ever see plain text, matching the teacher's monitor.go approach of
// parsing ANSI-stripped content.
func stripANSI(b []byte) []byte {
	return ansiEscapeRegex.ReplaceAll(b, nil)
}

// Directive regexes, generalized from the teacher's OSC133/prompt-detection
// state machine (monitor.go, osc133_parser.go) retargeted from "detect a
// shell prompt" to "detect a →target command".
var (
	fencedRegex     = regexp.MustCompile(`(?s)→(\S+?)(?:\s+\[thread:([^\]]+)\])?<<<(.*?)>>>`)
	singleLineRegex = regexp.MustCompile(`→(\S+?)(?:\s+\[thread:([^\]]+)\])?\s+([^\n]+)`)
	spawnRegex      = regexp.MustCompile(`(?m)^#spawn\s+(\S+)\s+(\S+)(?:\s+(.*))?$`)
	releaseRegex    = regexp.MustCompile(`(?m)^#release\s+(\S+)\s*$`)
)

// Parser extracts ParsedCommands from a child's output stream. It is not
// safe for concurrent use; the orchestrator owns one Parser per agent and
// drives it from a single goroutine.
type Parser struct {
	lookback int
}

// NewParser returns a Parser that re-scans the last lookback bytes of
// already-consumed content alongside new bytes, so a fenced block
// straddling two reads is never missed (§4.6).
func NewParser(lookback int) *Parser {
	if lookback <= 0 {
		lookback = 500
	}
	return &Parser{lookback: lookback}
}

// Parse scans window (lookback tail + new bytes already appended by the
// caller) and returns every recognized command along with the byte offset
// consumed should the caller want to advance a cursor past matched fenced
// blocks. Unmatched trailing text (a fenced block still missing its closer)
// is left for the next call.
func (p *Parser) Parse(window []byte) []ParsedCommand {
	clean := stripANSI(window)
	text := string(clean)

	var out []ParsedCommand
	consumed := make([]bool, len(text)+1)

	for _, m := range fencedRegex.FindAllStringSubmatchIndex(text, -1) {
		out = append(out, ParsedCommand{
			Kind:      CommandSend,
			Recipient: text[m[2]:m[3]],
			Thread:    threadOrEmpty(text, m),
			Body:      text[m[6]:m[7]],
			MatchEnd:  m[1],
		})
		markConsumed(consumed, m[0], m[1])
	}

	for _, m := range singleLineRegex.FindAllStringSubmatchIndex(text, -1) {
		if rangeConsumed(consumed, m[0], m[1]) {
			continue
		}
		out = append(out, ParsedCommand{
			Kind:      CommandSend,
			Recipient: text[m[2]:m[3]],
			Thread:    threadOrEmpty(text, m),
			Body:      strings.TrimSpace(text[m[6]:m[7]]),
			MatchEnd:  m[1],
		})
	}

	for _, m := range spawnRegex.FindAllStringSubmatchIndex(text, -1) {
		cmd := ParsedCommand{Kind: CommandSpawn, Recipient: text[m[2]:m[3]], MatchEnd: m[1]}
		cmd.Body = text[m[4]:m[5]]
		if m[6] >= 0 {
			cmd.Thread = text[m[6]:m[7]]
		}
		out = append(out, cmd)
	}

	for _, m := range releaseRegex.FindAllStringSubmatchIndex(text, -1) {
		out = append(out, ParsedCommand{Kind: CommandRelease, Recipient: text[m[2]:m[3]], MatchEnd: m[1]})
	}

	return out
}

func threadOrEmpty(text string, m []int) string {
	if len(m) > 5 && m[4] >= 0 {
		return text[m[4]:m[5]]
	}
	return ""
}

func markConsumed(consumed []bool, from, to int) {
	for i := from; i < to && i < len(consumed); i++ {
		consumed[i] = true
	}
}

func rangeConsumed(consumed []bool, from, to int) bool {
	for i := from; i < to && i < len(consumed); i++ {
		if consumed[i] {
			return true
		}
	}
	return false
}

// Lookback returns the configured re-scan window size.
func (p *Parser) Lookback() int { return p.lookback }
