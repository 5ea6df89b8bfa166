// Package acu talks to a Vertex-style antenna control unit over its HTTP
// dataset interface.
package acu

import (
	"context"
)

// Datasets and commands used by the drive layer.
const (
	StatusDataset       = "DataSets.StatusGeneral8100"
	ModeDataset         = "DataSets.CmdModeTransfer"
	PositionDataset     = "DataSets.CmdAzElPositionTransfer"
	TimePositionDataset = "DataSets.CmdTimePositionTransfer"

	CmdSetModes    = "Set modes of Az and El"
	CmdSetAzMode   = "Set mode of Azimuth"
	CmdSetPosition = "Set Azimuth Elevation"
	CmdClearStack  = "Clear Stack"
)

// FULL_STACK is the depth of the ACU's program-track point queue.
const FULL_STACK = 10000

// Replies that acknowledge a command.
var Acks = []string{
	"OK, Command send.",
	"OK, Command executed.",
}

// Device exposes the four request primitives the ACU serves. Implementations
// must wrap failures to reach the ACU in faults.ErrTransport.
type Device interface {
	// Values reads every key of a dataset.
	Values(ctx context.Context, identifier string) (map[string]interface{}, error)
	// Command invokes a command on a dataset and returns the ACU's reply text.
	Command(ctx context.Context, identifier, command string, params ...string) (string, error)
	// Write stores raw data into a dataset.
	Write(ctx context.Context, identifier string, data []byte) error
	// UploadPtStack appends program-track lines to the point queue.
	UploadPtStack(ctx context.Context, text string) (string, error)
}

func isAck(reply string) bool {
	for _, a := range Acks {
		if reply == a {
			return true
		}
	}
	return false
}
