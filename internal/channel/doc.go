// Package channel is the public surface of the live event channel.
//
// A Hub wires one connection.Manager, one rooms.Registry and one
// router.Router together. Consumers acquire a Handle per room with
// Hub.Connect and release it when they are done:
//
//	h, err := channel.Default().Connect(channel.Options{
//		Room:        "global",
//		AutoConnect: true,
//		OnEvent:     func(ev router.Event) { ... },
//		OnStatus:    func(connected bool) { ... },
//	})
//	if err != nil {
//		return err
//	}
//	defer h.Release()
//
// The process-wide hub is created with Init at startup and torn down with
// Shutdown. Tests build isolated hubs with New.
package channel
