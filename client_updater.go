package timetrace

// Contains the client updater, which publishes JSON-encoded messages giving
// the latest reader state on the status port.

import (
	"encoding/json"
	"fmt"

	"github.com/pebbe/zmq4"
)

// Tags of the messages published on the status port.
const (
	TagData     = "DATA"
	TagStatus   = "STATUS"
	TagSettings = "SETTINGS"
	TagSendAll  = "SENDALL"
)

// ClientUpdate carries one message to be published on the status port. State
// is JSON-marshaled at publish time.
type ClientUpdate struct {
	Tag   string
	State interface{}
}

// RunClientUpdater forwards any message from its input channel to the ZMQ
// publisher socket, so clients learn of every data/status/settings change.
func RunClientUpdater(messages <-chan ClientUpdate, portstatus int) {
	pubSocket, err := zmq4.NewSocket(zmq4.PUB)
	if err != nil {
		ProblemLogger.Printf("could not create the status publisher socket: %s", err)
		return
	}
	defer pubSocket.Close()
	if err = pubSocket.Bind(fmt.Sprintf("tcp://*:%d", portstatus)); err != nil {
		ProblemLogger.Printf("could not bind the status publisher socket: %s", err)
		return
	}

	for update := range messages {
		message, err := json.Marshal(update.State)
		if err != nil {
			ProblemLogger.Printf("could not JSON-marshal a %q update: %s", update.Tag, err)
			continue
		}
		if _, err = pubSocket.SendMessage(update.Tag, message); err != nil {
			ProblemLogger.Printf("could not publish a %q update: %s", update.Tag, err)
		}
		if update.Tag != TagData {
			UpdateLogger.Printf("%s %s", update.Tag, message)
		}
	}
}
