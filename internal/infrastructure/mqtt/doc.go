// Package mqtt is the broker transport behind bus.MQTT.
//
// A Client owns one paho connection with auto-reconnect and a clean
// session. It keeps its own table of routes (topic filter, QoS, handler)
// and replays it on every reconnect before the connect callback runs, so
// retained setting and state values reach jobs ahead of fresh traffic.
//
// Presence ties the connection to the cluster layer: the Lost payload is
// registered as the will on the unit's heartbeat topic and Offline is
// written there on Close, letting the leader tell a crash from a shutdown.
//
//	client, err := mqtt.Connect(cfg.MQTT, mqtt.Presence{
//	    Topic:   "exp1/cluster/heartbeat/unit1",
//	    Lost:    []byte("lost"),
//	    Offline: []byte("offline"),
//	})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
// Jobs never import this package; they talk to bus.Bus.
package mqtt
