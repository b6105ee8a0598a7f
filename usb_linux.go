package usbcat

/*
#include <stdlib.h>
#include <libusb.h>

#cgo pkg-config: libusb-1.0

void usbcatTransferCallback(struct libusb_transfer *xfer);
void usbcatPollfdAdded(int fd, short events, void *user_data);
void usbcatPollfdRemoved(int fd, void *user_data);
*/
import "C"

import (
	"sync"
	"sync/atomic"
	"time"
	"unsafe"
)

// UsbError couples a failing libusb operation with its status code.
type UsbError struct {
	Op   string
	Code int
}

func (e *UsbError) Error() string {
	return e.Op + ": " + C.GoString(C.libusb_error_name(C.int(e.Code)))
}

func usbError(op string, rc C.int) error {
	return &UsbError{Op: op, Code: int(rc)}
}

// Context owns one libusb context. It is constructed explicitly and must be
// closed on every exit path; there is no process-global device state in the
// API.
type Context struct {
	ctx *C.libusb_context
}

func NewContext() (*Context, error) {
	c := new(Context)
	if rc := C.libusb_init(&c.ctx); rc != 0 {
		return nil, usbError("libusb_init", rc)
	}
	C.libusb_set_pollfd_notifiers(c.ctx,
		C.libusb_pollfd_added_cb(unsafe.Pointer(C.usbcatPollfdAdded)),
		C.libusb_pollfd_removed_cb(unsafe.Pointer(C.usbcatPollfdRemoved)),
		nil)
	return c, nil
}

func (c *Context) Close() error {
	C.libusb_exit(c.ctx)
	c.ctx = nil
	return nil
}

// Open walks the device list and opens the first device matching the vendor
// and product ids.
func (c *Context) Open(vendor, product uint16) (Device, error) {
	var list **C.struct_libusb_device
	cnt := C.libusb_get_device_list(c.ctx, &list)
	if cnt < 0 {
		return nil, usbError("libusb_get_device_list", C.int(cnt))
	}
	defer C.libusb_free_device_list(list, 1)

	for _, dev := range unsafe.Slice(list, int(cnt)) {
		var desc C.struct_libusb_device_descriptor
		if C.libusb_get_device_descriptor(dev, &desc) != 0 {
			continue
		}
		if uint16(desc.idVendor) != vendor || uint16(desc.idProduct) != product {
			continue
		}
		var h *C.libusb_device_handle
		if rc := C.libusb_open(dev, &h); rc != 0 {
			return nil, usbError("libusb_open", rc)
		}
		return &usbDevice{ctx: c.ctx, h: h}, nil
	}
	return nil, ErrDeviceNotFound
}

type usbDevice struct {
	ctx *C.libusb_context
	h   *C.libusb_device_handle
}

func (d *usbDevice) ClaimInterface(number int) error {
	if rc := C.libusb_claim_interface(d.h, C.int(number)); rc != 0 {
		return usbError("libusb_claim_interface", rc)
	}
	return nil
}

func (d *usbDevice) ReleaseInterface(number int) error {
	if rc := C.libusb_release_interface(d.h, C.int(number)); rc != 0 {
		return usbError("libusb_release_interface", rc)
	}
	return nil
}

func (d *usbDevice) DetachKernelDriver(number int) error {
	if rc := C.libusb_detach_kernel_driver(d.h, C.int(number)); rc != 0 {
		return usbError("libusb_detach_kernel_driver", rc)
	}
	return nil
}

func (d *usbDevice) AllocTransfer(endpoint, size int, timeout time.Duration, done func(Completion)) (Transfer, error) {
	xfer := C.libusb_alloc_transfer(0)
	if xfer == nil {
		return nil, usbError("libusb_alloc_transfer", C.LIBUSB_ERROR_NO_MEM)
	}
	// The buffer lives on the C heap so libusb can hold it across the cgo
	// boundary for the duration of each submission. It is recycled for the
	// life of the process, never freed.
	data := (*C.uchar)(C.malloc(C.size_t(size)))
	if data == nil {
		C.libusb_free_transfer(xfer)
		return nil, usbError("malloc", C.LIBUSB_ERROR_NO_MEM)
	}
	t := &usbTransfer{
		dev:      d,
		xfer:     xfer,
		data:     data,
		buf:      unsafe.Slice((*byte)(unsafe.Pointer(data)), size),
		endpoint: C.uchar(endpoint),
		timeout:  C.uint(timeout / time.Millisecond),
		done:     done,
	}
	transfersMu.Lock()
	transfers[xfer] = t
	transfersMu.Unlock()
	return t, nil
}

func (d *usbDevice) PollFDs() ([]PollFD, error) {
	list := C.libusb_get_pollfds(d.ctx)
	if list == nil {
		return nil, usbError("libusb_get_pollfds", C.LIBUSB_ERROR_OTHER)
	}
	defer C.libusb_free_pollfds(list)

	var fds []PollFD
	for it := list; *it != nil; it = (**C.struct_libusb_pollfd)(unsafe.Add(unsafe.Pointer(it), unsafe.Sizeof(*it))) {
		fds = append(fds, PollFD{FD: int32((*it).fd), Events: int16((*it).events)})
	}
	return fds, nil
}

func (d *usbDevice) PollFDsChanged() bool {
	return atomic.SwapUint32(&pollfdsStale, 0) != 0
}

func (d *usbDevice) HandleEvents() error {
	var tv C.struct_timeval
	if rc := C.libusb_handle_events_timeout(d.ctx, &tv); rc != 0 {
		return usbError("libusb_handle_events_timeout", rc)
	}
	return nil
}

func (d *usbDevice) Close() error {
	C.libusb_close(d.h)
	d.h = nil
	return nil
}

type usbTransfer struct {
	dev      *usbDevice
	xfer     *C.struct_libusb_transfer
	data     *C.uchar
	buf      []byte
	endpoint C.uchar
	timeout  C.uint
	// length of the last submission, for resubmitting timed-out transfers
	// unchanged.
	length int
	done   func(Completion)
}

func (t *usbTransfer) Buffer() []byte {
	return t.buf
}

func (t *usbTransfer) Submit(length int) error {
	C.libusb_fill_bulk_transfer(t.xfer, t.dev.h, t.endpoint, t.data, C.int(length),
		C.libusb_transfer_cb_fn(unsafe.Pointer(C.usbcatTransferCallback)), nil, t.timeout)
	t.length = length
	if rc := C.libusb_submit_transfer(t.xfer); rc != 0 {
		return usbError("libusb_submit_transfer", rc)
	}
	return nil
}

func (t *usbTransfer) Resubmit() error {
	return t.Submit(t.length)
}

// cgo forbids handing Go pointers to C as transfer user data, so completions
// find their way back through a registry keyed by the C transfer.
var (
	transfersMu sync.Mutex
	transfers   = make(map[*C.struct_libusb_transfer]*usbTransfer)

	pollfdsStale uint32
)

//export usbcatTransferCallback
func usbcatTransferCallback(xfer *C.struct_libusb_transfer) {
	transfersMu.Lock()
	t := transfers[xfer]
	transfersMu.Unlock()
	if t == nil {
		return
	}
	t.done(Completion{
		Transfer:     t,
		Status:       transferStatus(C.int(xfer.status)),
		ActualLength: int(xfer.actual_length),
	})
}

//export usbcatPollfdAdded
func usbcatPollfdAdded(fd C.int, events C.short, userData unsafe.Pointer) {
	atomic.StoreUint32(&pollfdsStale, 1)
}

//export usbcatPollfdRemoved
func usbcatPollfdRemoved(fd C.int, userData unsafe.Pointer) {
	atomic.StoreUint32(&pollfdsStale, 1)
}

func transferStatus(status C.int) TransferStatus {
	switch status {
	case C.LIBUSB_TRANSFER_COMPLETED:
		return TransferCompleted
	case C.LIBUSB_TRANSFER_TIMED_OUT:
		return TransferTimedOut
	case C.LIBUSB_TRANSFER_CANCELLED:
		return TransferCancelled
	case C.LIBUSB_TRANSFER_STALL:
		return TransferStall
	case C.LIBUSB_TRANSFER_NO_DEVICE:
		return TransferNoDevice
	case C.LIBUSB_TRANSFER_OVERFLOW:
		return TransferOverflow
	}
	return TransferError
}
