// Package policy decides which commands a gateway route may run.
package policy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gnasses/Cisco-Provider-API/pkg/models"
)

// CommandPolicy accepts or rejects a command before any device I/O
type CommandPolicy interface {
	Check(command string) error
}

// DefaultSafeCommands is the read-only command set of the unauthenticated route
var DefaultSafeCommands = []string{
	"show version",
	"show clock",
	"show inventory",
	"show ip interface brief",
	"show interfaces status",
	"show interface brief",
	"show cdp neighbors",
	"show lldp neighbors",
	"show vlan brief",
	"show mac address-table",
	"show ip route summary",
	"show module",
}

// AllowList accepts only exact matches of its entries
type AllowList struct {
	commands map[string]struct{}
}

// NewAllowList builds an allow-list. Entries are trimmed; blanks are ignored.
func NewAllowList(commands []string) *AllowList {
	set := make(map[string]struct{}, len(commands))
	for _, c := range commands {
		c = strings.TrimSpace(c)
		if c != "" {
			set[c] = struct{}{}
		}
	}
	return &AllowList{commands: set}
}

// Check implements CommandPolicy
func (a *AllowList) Check(command string) error {
	if _, ok := a.commands[strings.TrimSpace(command)]; ok {
		return nil
	}
	return &RejectionError{Command: command, Reason: "not in the safe command list"}
}

// Commands returns the allowed commands sorted
func (a *AllowList) Commands() []string {
	out := make([]string, 0, len(a.commands))
	for c := range a.commands {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// AllowAll accepts every non-empty command
type AllowAll struct{}

// Check implements CommandPolicy
func (AllowAll) Check(command string) error {
	if strings.TrimSpace(command) == "" {
		return &RejectionError{Command: command, Reason: "empty command"}
	}
	return nil
}

// BlockList rejects commands matching any pattern. A trailing "*" matches
// any command with that prefix; matching ignores case.
type BlockList struct {
	patterns []string
}

// NewBlockList builds a block-list
func NewBlockList(patterns []string) *BlockList {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return &BlockList{patterns: out}
}

// Check implements CommandPolicy
func (b *BlockList) Check(command string) error {
	cmdLower := strings.ToLower(strings.TrimSpace(command))
	for _, blocked := range b.patterns {
		if strings.HasSuffix(blocked, "*") {
			if strings.HasPrefix(cmdLower, strings.TrimSuffix(blocked, "*")) {
				return &RejectionError{Command: command, Reason: fmt.Sprintf("matches blocked pattern %q", blocked)}
			}
		} else if blocked == cmdLower {
			return &RejectionError{Command: command, Reason: "blocked"}
		}
	}
	return nil
}

// Chain requires every policy to accept the command
type Chain []CommandPolicy

// Check implements CommandPolicy
func (c Chain) Check(command string) error {
	for _, p := range c {
		if p == nil {
			continue
		}
		if err := p.Check(command); err != nil {
			return err
		}
	}
	return nil
}

// RejectionError explains why a command was refused
type RejectionError struct {
	Command string
	Reason  string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("unsupported command %q: %s", e.Command, e.Reason)
}

func (e *RejectionError) Is(target error) bool { return target == models.ErrCommandRejected }
