package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/sich-link/sich/internal/mgmt"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// formatStatus renders a StatusSnapshot in the requested format.
func formatStatus(snap mgmt.StatusSnapshot, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatStatusJSON(snap)
	case formatTable:
		return formatStatusTable(snap), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// --- Table formatter ---

// formatStatusTable renders the snapshot as a two-column field/value table
// via tablewriter, grounded on facebook-time's ptpcheck NewWriter/SetHeader/
// Append/Render usage -- there's only ever one snapshot per query, so each
// field becomes a row rather than each snapshot.
func formatStatusTable(snap mgmt.StatusSnapshot) string {
	var buf strings.Builder

	table := tablewriter.NewWriter(&buf)
	table.SetColWidth(24)
	table.SetHeader([]string{"Field", "Value"})

	table.Append([]string{"Role", snap.Role})
	table.Append([]string{"Link State", snap.LinkState})
	table.Append([]string{"Diagnostic", snap.Diag})
	table.Append([]string{"Channel", strconv.Itoa(snap.Channel)})
	table.Append([]string{"Score", strconv.Itoa(snap.Score)})
	table.Append([]string{"PER", strconv.Itoa(snap.PER)})
	table.Append([]string{"SNR", strconv.Itoa(snap.SNR)})
	table.Append([]string{"RSSI", strconv.Itoa(snap.RSSI)})
	if snap.PowerState != "" {
		table.Append([]string{"Power State", snap.PowerState})
		table.Append([]string{"Power Level", strconv.Itoa(snap.PowerLevel)})
	}

	table.Render()

	return buf.String()
}

// --- JSON formatter ---

func formatStatusJSON(snap mgmt.StatusSnapshot) (string, error) {
	data, err := json.MarshalIndent(statusToView(snap), "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal status to JSON: %w", err)
	}
	return string(data) + "\n", nil
}

// statusView gives stable, explicit JSON field names independent of
// mgmt.StatusSnapshot's wire tags.
type statusView struct {
	Role       string `json:"role"`
	LinkState  string `json:"link_state"`
	Diagnostic string `json:"diagnostic"`
	Channel    int    `json:"channel"`
	Score      int    `json:"score"`
	PER        int    `json:"per"`
	SNR        int    `json:"snr"`
	RSSI       int    `json:"rssi"`
	PowerState string `json:"power_state,omitempty"`
	PowerLevel int    `json:"power_level,omitempty"`
}

func statusToView(snap mgmt.StatusSnapshot) statusView {
	return statusView{
		Role:       snap.Role,
		LinkState:  snap.LinkState,
		Diagnostic: snap.Diag,
		Channel:    snap.Channel,
		Score:      snap.Score,
		PER:        snap.PER,
		SNR:        snap.SNR,
		RSSI:       snap.RSSI,
		PowerState: snap.PowerState,
		PowerLevel: snap.PowerLevel,
	}
}
