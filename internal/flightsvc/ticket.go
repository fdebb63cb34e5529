package flightsvc

import (
	"github.com/23skdu/canopy/internal/core"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/goccy/go-json"
)

// Action types served by DoAction.
const (
	ActionOptimize = "optimize"
	ActionStats    = "stats"
)

// Ticket selects what DoGet streams: search results for a vector or text query,
// or the whole tree as rows when Export is set.
type Ticket struct {
	Query  []float32 `json:"query,omitempty"`
	Text   string    `json:"text,omitempty"`
	K      int       `json:"k,omitempty"`
	Export bool      `json:"export,omitempty"`
}

// Encode marshals the ticket for flight.Ticket.
func (t Ticket) Encode() ([]byte, error) {
	return json.Marshal(t)
}

// ParseTicket decodes and checks a DoGet ticket.
func ParseTicket(raw []byte) (Ticket, error) {
	var t Ticket
	if err := json.Unmarshal(raw, &t); err != nil {
		return t, core.NewInvalidArgumentError("ticket", "invalid JSON: "+err.Error())
	}
	switch {
	case t.Export && (t.Query != nil || t.Text != ""):
		return t, core.NewInvalidArgumentError("ticket", "export cannot be combined with a query")
	case !t.Export && t.Query == nil && t.Text == "":
		return t, core.NewInvalidArgumentError("ticket", "query, text or export is required")
	case t.Query != nil && t.Text != "":
		return t, core.NewInvalidArgumentError("ticket", "query and text are mutually exclusive")
	}
	return t, nil
}

// PutResult is the acknowledgement sent after a DoPut import.
type PutResult struct {
	Rows   int `json:"rows"`
	Leaves int `json:"leaves"`
}

// PutCommand travels in the DoPut flight descriptor. An upload without rows is
// rejected unless Reset is set, in which case it empties the index.
type PutCommand struct {
	Reset bool `json:"reset,omitempty"`
}

// Descriptor wraps the command for flight.Writer.SetFlightDescriptor.
func (c PutCommand) Descriptor() (*flight.FlightDescriptor, error) {
	cmd, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return &flight.FlightDescriptor{Type: flight.DescriptorCMD, Cmd: cmd}, nil
}

// ParsePutCommand decodes the descriptor of a DoPut stream. A missing
// descriptor or command is the zero PutCommand.
func ParsePutCommand(fd *flight.FlightDescriptor) (PutCommand, error) {
	var c PutCommand
	if fd == nil || len(fd.GetCmd()) == 0 {
		return c, nil
	}
	if err := json.Unmarshal(fd.GetCmd(), &c); err != nil {
		return c, core.NewInvalidArgumentError("descriptor", "invalid JSON: "+err.Error())
	}
	return c, nil
}
