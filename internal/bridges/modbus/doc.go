// Package modbus implements the passive Modbus-to-MQTT bridge.
//
// The bridge never talks on the Modbus bus. It reads the pcap stream of an
// external sniffer, picks out Write Multiple Registers requests (function
// code 16) and republishes the written register values on MQTT according
// to a YAML register map.
//
// # Architecture
//
//	┌──────────┐ stdout ┌─────────┐ records ┌─────────┐ values ┌──────┐
//	│ sniffer  │───────►│ Demuxer │────────►│ Session │───────►│ MQTT │
//	└──────────┘  pcap  └─────────┘         └────┬────┘        └──────┘
//	                                             │ lookup
//	                                      ┌──────┴──────┐
//	                                      │ RegisterMap │◄── fsnotify
//	                                      └─────────────┘
//
// # Register Map
//
// Each mapping names an address spec, a datatype and a topic template:
//
//	mappings:
//	  - register: "40001-40004"
//	    datatype: uint16
//	    scale: 0.1
//	    topic: "enervent/temperature/{offset}"
//
// Address specs are a single register ("40001"), an inclusive range
// ("40001-40004"), a start and count ("40001:4"), a coil ("coil:5") or
// any other text, kept as an opaque symbolic key. The map is swapped in
// atomically on every successful load, so lookups always see one whole
// generation.
//
// # Capture Session
//
// A session expects every register of the map generation active at its
// start. A register counts as observed only when the broker confirms its
// publish. The session finishes with "all-captured" once every expected
// register was observed, with "timeout" at the deadline, or with
// "stopped" on request.
//
// # Thread Safety
//
// The Demuxer must be fed from one goroutine. All other exported types
// are safe for concurrent use.
package modbus
