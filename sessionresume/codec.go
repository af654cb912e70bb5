// Copyright 2015 Light Code Labs, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sessionresume

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ParseError describes one failed ticket-document element, tagged with
// its index in the sequence, the way Caddyfile errors in caddytls/setup.go
// are always tagged with the offending token.
type ParseError struct {
	Index  int
	Reason string
	Line   int
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("ticket key document, element %d (line %d): %s", e.Index, e.Line, e.Reason)
	}
	return fmt.Sprintf("ticket key document, element %d: %s", e.Index, e.Reason)
}

// ticketFields are the six mandatory attributes of a serialized ticket key
// (spec.md §4.A / §6).
var ticketFields = []string{"name", "cipher", "hash", "key", "not_before", "not_after"}

// MarshalTickets serializes tickets as the YAML sequence-of-mappings
// document described in spec.md §6. Tickets are written in the order
// given; callers that want the canonical document sort first.
func MarshalTickets(tickets []*Ticket) ([]byte, error) {
	docs := make([]map[string]string, len(tickets))
	for i, t := range tickets {
		keyLen, ok := t.Cipher.KeyLen()
		if !ok {
			return nil, fmt.Errorf("sessionresume: element %d: unknown cipher %q", i, t.Cipher)
		}
		blockSize, ok := t.Mac.BlockSize()
		if !ok {
			return nil, fmt.Errorf("sessionresume: element %d: unknown hash %q", i, t.Mac)
		}
		if len(t.CipherKey) != keyLen || len(t.MacKey) != blockSize {
			return nil, fmt.Errorf("sessionresume: element %d: key material length mismatch", i)
		}

		combined := make([]byte, 0, keyLen+blockSize)
		combined = append(combined, t.CipherKey...)
		combined = append(combined, t.MacKey...)

		docs[i] = map[string]string{
			"name":       hex.EncodeToString(t.Name[:]),
			"cipher":     string(t.Cipher),
			"hash":       string(t.Mac),
			"key":        hex.EncodeToString(combined),
			"not_before": strconv.FormatInt(t.NotBefore, 10),
			"not_after":  strconv.FormatInt(t.NotAfter, 10),
		}
	}
	return yaml.Marshal(docs)
}

// ParseTickets parses the YAML sequence-of-mappings document described in
// spec.md §6. The root must be a sequence; each element must be a mapping
// containing all six attributes as scalars. On success the returned slice
// is sorted per the store's total order (spec.md §4.A: "after parsing, the
// resulting collection is sorted").
func ParseTickets(data []byte) ([]*Ticket, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("sessionresume: invalid YAML: %w", err)
	}
	if len(root.Content) == 0 {
		return nil, nil
	}
	seq := root.Content[0]
	if seq.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("sessionresume: ticket document root must be a sequence")
	}

	tickets := make([]*Ticket, 0, len(seq.Content))
	for i, elem := range seq.Content {
		t, err := parseOneTicket(elem)
		if err != nil {
			DestroyAll(tickets)
			return nil, &ParseError{Index: i, Reason: err.Error(), Line: elem.Line}
		}
		tickets = append(tickets, t)
	}

	sortTickets(tickets)
	return tickets, nil
}

func parseOneTicket(node *yaml.Node) (*Ticket, error) {
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("expected a mapping")
	}

	fields := make(map[string]string, len(ticketFields))
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i]
		val := node.Content[i+1]
		if key.Kind != yaml.ScalarNode {
			continue
		}
		if val.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("attribute %q must be a scalar", key.Value)
		}
		fields[key.Value] = val.Value
	}

	for _, f := range ticketFields {
		if _, ok := fields[f]; !ok {
			return nil, fmt.Errorf("missing attribute %q", f)
		}
	}

	cipher := Cipher(fields["cipher"])
	keyLen, ok := cipher.KeyLen()
	if !ok {
		return nil, fmt.Errorf("unknown cipher %q", fields["cipher"])
	}
	mac := Hash(fields["hash"])
	blockSize, ok := mac.BlockSize()
	if !ok {
		return nil, fmt.Errorf("unknown hash %q", fields["hash"])
	}

	nameBytes, err := hex.DecodeString(fields["name"])
	if err != nil {
		return nil, fmt.Errorf("invalid hex in %q: %v", "name", err)
	}
	if len(nameBytes) != nameLen {
		return nil, fmt.Errorf("%q must be %d hex chars, got %d", "name", nameLen*2, len(fields["name"]))
	}

	wantKeyHexLen := 2 * (keyLen + blockSize)
	keyBytes, err := hex.DecodeString(fields["key"])
	if err != nil {
		return nil, fmt.Errorf("invalid hex in %q: %v", "key", err)
	}
	if len(fields["key"]) != wantKeyHexLen {
		return nil, fmt.Errorf("%q must be %d hex chars, got %d", "key", wantKeyHexLen, len(fields["key"]))
	}

	notBefore, err := strconv.ParseInt(fields["not_before"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("unparseable integer in %q: %v", "not_before", err)
	}
	notAfter, err := strconv.ParseInt(fields["not_after"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("unparseable integer in %q: %v", "not_after", err)
	}
	if notAfter < notBefore {
		return nil, fmt.Errorf("not_after (%d) before not_before (%d)", notAfter, notBefore)
	}

	t := &Ticket{
		Cipher:    cipher,
		CipherKey: append([]byte(nil), keyBytes[:keyLen]...),
		Mac:       mac,
		MacKey:    append([]byte(nil), keyBytes[keyLen:]...),
		NotBefore: notBefore,
		NotAfter:  notAfter,
	}
	copy(t.Name[:], nameBytes)
	return t, nil
}
