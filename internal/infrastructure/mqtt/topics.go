package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the root of every graybot topic.
//
// Hierarchy:
//
//	graybot/state/{device}               retained register values
//	graybot/command/{device}/{register}  register writes, {"value": x}
//	graybot/joint/{joint}                retained joint state
//	graybot/sensor/{sensor}              retained sensor reading
//	graybot/loop/{loop}/status           retained loop status and timing
//	graybot/event/{type}                 engine events
//	graybot/system/status                online/offline, also the LWT
const TopicPrefix = "graybot"

// Topics provides builders for graybot MQTT topics.
//
//	topic := mqtt.Topics{}.State("d01")
//	// Returns: "graybot/state/d01"
type Topics struct{}

// State returns the retained register state topic of a device.
func (Topics) State(device string) string {
	return fmt.Sprintf("%s/state/%s", TopicPrefix, device)
}

// Command returns the topic that writes one register.
//
// Example: graybot/command/d01/goal_position
func (Topics) Command(device, register string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefix, device, register)
}

// Joint returns the retained joint state topic.
func (Topics) Joint(name string) string {
	return fmt.Sprintf("%s/joint/%s", TopicPrefix, name)
}

// Sensor returns the retained sensor reading topic.
func (Topics) Sensor(name string) string {
	return fmt.Sprintf("%s/sensor/%s", TopicPrefix, name)
}

// LoopStatus returns the retained status topic of a sync loop.
//
// Example: graybot/loop/read/status
func (Topics) LoopStatus(loop string) string {
	return fmt.Sprintf("%s/loop/%s/status", TopicPrefix, loop)
}

// Event returns the topic for engine events such as overruns.
//
// Example: graybot/event/loop_overrun
func (Topics) Event(eventType string) string {
	return fmt.Sprintf("%s/event/%s", TopicPrefix, eventType)
}

// SystemStatus returns the online/offline status topic.
func (Topics) SystemStatus() string {
	return TopicPrefix + "/system/status"
}

// AllCommands returns a pattern matching every register command.
//
// Pattern: graybot/command/+/+
func (Topics) AllCommands() string {
	return TopicPrefix + "/command/+/+"
}

// AllStates returns a pattern matching every device state.
//
// Pattern: graybot/state/+
func (Topics) AllStates() string {
	return TopicPrefix + "/state/+"
}

// AllTopics returns a pattern matching all graybot traffic.
//
// Pattern: graybot/#
func (Topics) AllTopics() string {
	return TopicPrefix + "/#"
}

// ParseCommand extracts the device and register of a command topic.
//
// Returns:
//   - device, register: Topic levels, non-empty
//   - ok: false if the topic is not a command topic
func (Topics) ParseCommand(topic string) (device, register string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != TopicPrefix || parts[1] != "command" || parts[2] == "" || parts[3] == "" {
		return "", "", false
	}
	return parts[2], parts[3], true
}
