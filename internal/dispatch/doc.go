// Package dispatch delivers a fired reminder to the user through every
// configured channel: haptic pulse, terminal bell, desktop notification,
// in-app banner and toast.
//
// Channels are independent. A failing or panicking channel is logged and
// never prevents the others from running.
package dispatch
