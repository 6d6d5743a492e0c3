// Package console turns terminal lines into node commands and node output
// into terminal lines.
package console

import (
	"regexp"
	"strings"

	"github.com/cosmqc/swapbytes/internal/errs"
	"github.com/cosmqc/swapbytes/internal/node"
)

// Input is one parsed line. Command is nil for blank lines and /help.
type Input struct {
	Command node.Command
	Help    bool
}

// A token is either a double-quoted run (quotes dropped) or a run of
// non-space characters.
var tokenPattern = regexp.MustCompile(`"([^"]*)"|\S+`)

// Split breaks a line into arguments, grouping double-quoted text.
func Split(line string) []string {
	var args []string
	for _, m := range tokenPattern.FindAllStringSubmatchIndex(line, -1) {
		if m[2] >= 0 {
			args = append(args, line[m[2]:m[3]])
		} else {
			args = append(args, line[m[0]:m[1]])
		}
	}
	return args
}

// Parse interprets a line typed by the user. Lines not starting with "/"
// are chat.
func Parse(line string) (Input, error) {
	if strings.TrimSpace(line) == "" {
		return Input{}, nil
	}
	if !strings.HasPrefix(line, "/") {
		return Input{Command: node.Chat{Text: line}}, nil
	}

	args := Split(line[1:])
	if len(args) == 0 {
		return Input{}, errs.New(errs.CodeInvalidArgument, "no command given, try /help")
	}
	name, args := strings.ToLower(args[0]), args[1:]

	switch name {
	case "help":
		return Input{Help: true}, nil

	case "nick":
		if len(args) != 1 {
			return Input{}, usage("/nick <nickname>, quote nicknames with spaces")
		}
		return Input{Command: node.Nick{Name: args[0]}}, nil

	case "list_peers", "peers":
		return Input{Command: node.ListPeers{}}, nil

	case "upload":
		if len(args) < 1 || len(args) > 2 {
			return Input{}, usage("/upload <path> [description]")
		}
		cmd := node.Upload{Path: args[0]}
		if len(args) == 2 {
			cmd.Description = args[1]
		}
		return Input{Command: cmd}, nil

	case "list_files", "files":
		return Input{Command: node.ListFiles{}}, nil

	case "dm":
		if len(args) < 2 {
			return Input{}, usage("/dm <nickname> <message>")
		}
		return Input{Command: node.Dm{To: args[0], Text: restOf(line, args[0])}}, nil

	case "trade":
		if len(args) != 3 {
			return Input{}, usage("/trade <nickname> <your file hash> <their file hash>")
		}
		return Input{Command: node.Trade{With: args[0], OwnHash: args[1], TheirHash: args[2]}}, nil

	case "trade_accept", "accept":
		if len(args) != 1 {
			return Input{}, usage("/trade_accept <nickname>")
		}
		return Input{Command: node.TradeAccept{With: args[0]}}, nil

	case "trade_decline", "decline":
		if len(args) != 1 {
			return Input{}, usage("/trade_decline <nickname>")
		}
		return Input{Command: node.TradeDecline{With: args[0]}}, nil

	case "trade_cancel", "cancel":
		if len(args) != 1 {
			return Input{}, usage("/trade_cancel <nickname>")
		}
		return Input{Command: node.TradeCancel{With: args[0]}}, nil

	case "trades":
		return Input{Command: node.ListTrades{}}, nil

	case "get_file_metadata", "file":
		if len(args) != 1 {
			return Input{}, usage("/get_file_metadata <hash>")
		}
		return Input{Command: node.GetFileMetadata{Hash: args[0]}}, nil
	}
	return Input{}, errs.Newf(errs.CodeInvalidArgument, "unknown command /%s, try /help", name)
}

func usage(text string) error {
	return errs.New(errs.CodeInvalidArgument, "usage: "+text)
}

// restOf returns the raw text after the command and its first argument,
// so direct messages keep their spacing and quotes.
func restOf(line, first string) string {
	rest := strings.TrimSpace(line)
	if i := strings.IndexFunc(rest, isSpace); i >= 0 {
		rest = strings.TrimSpace(rest[i:])
	} else {
		return ""
	}
	// The recipient may have been quoted.
	if strings.HasPrefix(rest, `"`+first+`"`) {
		return strings.TrimSpace(rest[len(first)+2:])
	}
	return strings.TrimSpace(strings.TrimPrefix(rest, first))
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t'
}
