package mqtt

import "strings"

// StatusTopic carries the gateway's online/offline status, retained.
const StatusTopic = "fieldgate/system/status"

// TagTopic joins a device topic prefix and tag name into the per-tag
// publish topic. The prefix is stored with a trailing slash; slashes in
// tag names are preserved so structured names map to topic levels.
func TagTopic(prefix, tag string) string {
	return prefix + tag
}

// AggregateTopic is the per-device topic for aggregate format payloads.
func AggregateTopic(prefix string) string {
	return prefix + "data"
}

// ValidTopic reports whether a topic is publishable: non-empty, no
// wildcards, no empty levels.
func ValidTopic(topic string) bool {
	if topic == "" || strings.ContainsAny(topic, "+#") {
		return false
	}
	for _, level := range strings.Split(topic, "/") {
		if level == "" {
			return false
		}
	}
	return true
}
