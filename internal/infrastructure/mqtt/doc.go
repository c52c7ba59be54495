// Package mqtt wraps paho.mqtt.golang for the Fieldgate publisher.
//
// The wrapper deliberately disables paho's auto-reconnect: the
// publisher owns broker reconnection so it follows the same backoff
// discipline as device reconnection. Connection loss is surfaced
// through SetOnConnectionLost and a retained status topic carries
// online/offline state, with a Last Will covering crashes.
package mqtt
