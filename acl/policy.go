package acl

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
)

// Access is the kind of topic access a client requests.
type Access int

const (
	// Read covers subscribing and receiving.
	Read Access = iota
	// Write covers publishing.
	Write
)

type rule struct {
	// user the rule belongs to; empty for pattern rules, which apply to
	// every user with %u substituted by the user name
	user    string
	access  string // "read", "write", "readwrite" or "deny"
	topic   string
	pattern bool
}

// Policy is a parsed merged ACL document. Rules keep their document
// order; evaluation is first-match-wins.
type Policy struct {
	rules []rule
}

// ParsePolicy parses a merged ACL document.
func ParsePolicy(data []byte) (*Policy, error) {
	p := &Policy{}
	currentUser := ""
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if len(line) == 0 || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "user":
			if len(fields) != 2 {
				return nil, fmt.Errorf("malformed user line: %q", line)
			}
			currentUser = fields[1]
		case "topic":
			access, topic, err := splitTopicRule(fields[1:])
			if err != nil {
				return nil, fmt.Errorf("%v in line %q", err, line)
			}
			p.rules = append(p.rules, rule{user: currentUser, access: access, topic: topic})
		case "pattern":
			access, topic, err := splitTopicRule(fields[1:])
			if err != nil {
				return nil, fmt.Errorf("%v in line %q", err, line)
			}
			p.rules = append(p.rules, rule{access: access, topic: topic, pattern: true})
		default:
			return nil, fmt.Errorf("unknown directive in line %q", line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return p, nil
}

func splitTopicRule(fields []string) (access, topic string, err error) {
	switch len(fields) {
	case 1:
		return "readwrite", fields[0], nil
	case 2:
		switch fields[0] {
		case "read", "write", "readwrite", "deny":
			return fields[0], fields[1], nil
		}
		return "", "", fmt.Errorf("unknown access %q", fields[0])
	}
	return "", "", fmt.Errorf("malformed topic rule")
}

// Allows evaluates the policy for one user, topic and access kind in
// document order. A matching deny rule refuses any access. A matching
// grant allows when it covers the requested kind, otherwise later rules
// may still grant it. No matching rule means deny.
func (p *Policy) Allows(user, topic string, access Access) bool {
	for _, r := range p.rules {
		filter := r.topic
		if r.pattern {
			filter = strings.ReplaceAll(filter, "%u", user)
		} else if r.user != user {
			continue
		}
		if !topicMatch(filter, topic) {
			continue
		}
		switch r.access {
		case "deny":
			return false
		case "readwrite":
			return true
		case "read":
			if access == Read {
				return true
			}
		case "write":
			if access == Write {
				return true
			}
		}
	}
	return false
}

// topicMatch matches an MQTT topic filter with + and # wildcards
// against a concrete topic.
func topicMatch(filter, topic string) bool {
	filterLevels := strings.Split(filter, "/")
	topicLevels := strings.Split(topic, "/")

	for i, level := range filterLevels {
		if level == "#" {
			return i == len(filterLevels)-1
		}
		if i >= len(topicLevels) {
			return false
		}
		if level != "+" && level != topicLevels[i] {
			return false
		}
	}
	return len(filterLevels) == len(topicLevels)
}
