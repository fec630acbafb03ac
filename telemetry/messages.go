package telemetry

import (
	"fmt"
	"strings"
	"time"

	"procsheriff/fleet"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DeputyInfoMessage is a deputy's periodic self description, published on
// <prefix>/deputy/<name>/info.
//
// Timestamps are Unix microseconds.
type DeputyInfoMessage struct {
	Deputy   string        `json:"deputy"`
	UTime    int64         `json:"utime"`
	CPULoad  float64       `json:"cpu_load"`
	Commands []CommandInfo `json:"cmds"`
}

// CommandInfo is one command inside a DeputyInfoMessage.
type CommandInfo struct {
	SheriffID   int64   `json:"sheriff_id"`
	Name        string  `json:"name"`
	Nickname    string  `json:"nickname"`
	Group       string  `json:"group"`
	Status      string  `json:"status"`
	CPUUsage    float64 `json:"cpu_usage"`
	MemVsize    uint64  `json:"mem_vsize_bytes"`
	AutoRespawn bool    `json:"auto_respawn"`
}

// PrintfMessage carries a chunk of command output, published on
// <prefix>/printf.
type PrintfMessage struct {
	Deputy    string `json:"deputy"`
	SheriffID int64  `json:"sheriff_id"`
	Text      string `json:"text"`
	UTime     int64  `json:"utime"`
}

// OrdersMessage announces a sheriff, published on <prefix>/orders.
type OrdersMessage struct {
	Sheriff string `json:"sheriff_name"`
	Deputy  string `json:"deputy"`
	UTime   int64  `json:"utime"`
}

// IntentMessage is an operator request published on <prefix>/intent.
type IntentMessage struct {
	Sheriff   string `json:"sheriff_name"`
	Kind      string `json:"kind"`
	SheriffID int64  `json:"sheriff_id"`
	Arg       string `json:"arg,omitempty"`
	UTime     int64  `json:"utime"`
}

// decodeDeputyInfo parses an info payload into a fleet report. The deputy
// name in the topic wins over an empty name in the payload.
func decodeDeputyInfo(topicDeputy string, payload []byte) (fleet.DeputyReport, error) {
	var msg DeputyInfoMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fleet.DeputyReport{}, fmt.Errorf("telemetry: decode deputy info: %w", err)
	}
	name := strings.TrimSpace(msg.Deputy)
	if name == "" {
		name = topicDeputy
	}
	if name == "" {
		return fleet.DeputyReport{}, fmt.Errorf("telemetry: decode deputy info: missing deputy name")
	}
	report := fleet.DeputyReport{
		Name:     name,
		Load:     msg.CPULoad,
		At:       fromUTime(msg.UTime),
		Commands: make([]fleet.CommandReport, 0, len(msg.Commands)),
	}
	for _, cmd := range msg.Commands {
		if cmd.SheriffID <= 0 {
			continue
		}
		report.Commands = append(report.Commands, fleet.CommandReport{
			ID:          fleet.CommandID(cmd.SheriffID),
			Name:        cmd.Name,
			Nickname:    cmd.Nickname,
			Group:       cmd.Group,
			Status:      fleet.ParseStatus(cmd.Status),
			CPU:         cmd.CPUUsage,
			MemBytes:    cmd.MemVsize,
			AutoRestart: cmd.AutoRespawn,
		})
	}
	return report, nil
}

func decodePrintf(payload []byte) (PrintfMessage, error) {
	var msg PrintfMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, fmt.Errorf("telemetry: decode printf: %w", err)
	}
	if msg.SheriffID <= 0 {
		return msg, fmt.Errorf("telemetry: decode printf: missing sheriff id")
	}
	return msg, nil
}

func decodeOrders(payload []byte) (OrdersMessage, error) {
	var msg OrdersMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, fmt.Errorf("telemetry: decode orders: %w", err)
	}
	return msg, nil
}

func encodeIntent(sheriff string, in fleet.Intent, now time.Time) ([]byte, error) {
	return json.Marshal(IntentMessage{
		Sheriff:   sheriff,
		Kind:      in.Kind.String(),
		SheriffID: int64(in.Command),
		Arg:       in.Arg,
		UTime:     now.UnixMicro(),
	})
}

func fromUTime(us int64) time.Time {
	if us <= 0 {
		return time.Now()
	}
	return time.UnixMicro(us)
}
