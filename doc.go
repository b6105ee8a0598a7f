// Package usbcat streams raw bytes between the process's standard streams and
// the bulk endpoints of a USB device, in one or both directions at once. A
// single poll-driven event loop couples nonblocking stdin/stdout with the
// asynchronous transfer completions of the device layer; a fixed-depth ring of
// reusable transfer buffers per direction bounds how much data can be in
// flight, so a fast producer never overruns a slow consumer.
package usbcat
