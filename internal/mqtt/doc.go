// Package mqtt mirrors assistant activity onto an MQTT broker. Every
// event on the bus is republished as JSON under
// <prefix>/events/<kind>, a retained tokens_today state tracks the
// day's token spend, and a command topic accepts "cancel" to stop the
// running turn from outside the process.
//
// Connection management uses Eclipse Paho v2's [autopaho] package with
// automatic reconnection. On every (re-)connect the bridge publishes a
// birth message ("online") to the availability topic and re-subscribes
// to the command topic. A will message flips availability to "offline"
// on unexpected disconnects.
package mqtt
