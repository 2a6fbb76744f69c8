package window

// Namespace roots the keys and channels of buffers and signals. Buffers and
// signals are tagged with their kind, so that the same topic may name both
// a Buffer and a Signal without their keys colliding.
type Namespace string

// DefaultNamespace is the Namespace used if Options doesn't provide one.
const DefaultNamespace Namespace = "hwm"

// updateMessage is the payload published on each notification.
const updateMessage = "update"

// BufferIndexKey is the ordered set of Buffer entry IDs, scored by timestamp.
func (ns Namespace) BufferIndexKey(topic string) string {
	return string(ns) + ":buffer:index:" + topic
}

// BufferContentKey is the hash map of Buffer entry IDs to encoded entries.
func (ns Namespace) BufferContentKey(topic string) string {
	return string(ns) + ":buffer:content:" + topic
}

// BufferChannel is the channel notified of Buffer appends.
func (ns Namespace) BufferChannel(topic string) string {
	return string(ns) + ":buffer:" + topic
}

// SignalValueKey is the scalar value of a Signal.
func (ns Namespace) SignalValueKey(topic string) string {
	return string(ns) + ":signal:value:" + topic
}

// SignalChannel is the channel notified of Signal writes.
func (ns Namespace) SignalChannel(topic string) string {
	return string(ns) + ":signal:" + topic
}
