package share

// Role distinguishes the two symmetric channel bindings that embed Engine.
// The engine is a single shared implementation that pattern-matches on Role
// wherever guest and host behavior actually differs (rest state, who may
// send SYN, who opens the native socket on demand); it is deliberately not
// two separate implementations behind an interface.
type Role int

const (
	RoleGuest Role = iota
	RoleHost
)

// restState returns the ConnState a channel of this role returns to once a
// session ends, per ResetCleanUp.
func (r Role) restState() ConnState {
	if r == RoleHost {
		return StateListen
	}
	return StateClosed
}

// maxResyncSteps bounds a single stepRx call's inner loop, so a fully
// garbled foreign stream cannot busy-spin the readiness loop; it is sized
// to one frame's worth of bytes, matching the original implementation's
// ViosCtrl_MaxPayloadSize resync bound.
const maxResyncSteps = MaxPayloadSize

// resetDrainLimit bounds how many stale bytes the RESET procedure
// (stepReset, via discardStaleForeignBytes) discards from the foreign
// endpoint while resynchronizing before sending its own RESET frame.
const resetDrainLimit = 10000

// Engine is the generic per-channel protocol state machine described in
// spec §4.2. Guest and host channel bindings embed it and supply the small
// amount of role-specific behavior (opening the native socket on demand,
// generating a fresh session) through the OpenNativeForSYN hook and their
// own exported methods.
type Engine struct {
	Role   Role
	Logger Logger
	Tokens *TokenSource

	// PathName identifies the foreign endpoint in log lines (a virtio
	// character device path on the guest, a Unix-domain socket path on
	// the host).
	PathName string

	Foreign *Endpoint
	Native  *Endpoint

	// OpenNativeForSYN is invoked by the host role when a SYN arrives in
	// LISTEN; it must open the service socket and call SetNative, returning
	// false on failure (which triggers a RESET reply instead of SYNACK).
	// Left nil for the guest role, which never receives SYN.
	OpenNativeForSYN func() bool

	// OnStateChange, if set, is invoked after every connection-state
	// transition for logging.
	OnStateChange func(old, new ConnState)

	State    ConnState
	RecvSub  RecvSubstate
	SendSub  SendSubstate
	ResetSub ResetSubstate

	GuestToken uint32
	HostToken  uint32

	resetReason string

	rxHeaderBuf    [HeaderSize]byte
	rxHeaderCount  int
	rxHeader       Header
	rxPayloadBuf   [PayloadBufferSize]byte
	rxPayloadCount int
	rxToNative     int // bytes of rxPayloadBuf already written to Native

	txHeaderBuf   [HeaderSize]byte
	txHeaderCount int
	txPayloadBuf  [PayloadBufferSize]byte
	txPayloadLen  int
	txSentCount   int
	txPending     bool
}

// Init resets an Engine to its role's rest state with sentinel tokens. Call
// once after constructing the embedding channel.
func (e *Engine) Init(role Role, logger Logger, pathName string) {
	e.Role = role
	e.Logger = logger
	e.PathName = pathName
	e.Foreign = NewEndpoint(pathName)
	e.Native = NewEndpoint(pathName + "/native")
	e.State = role.restState()
	e.RecvSub = RecvGetSync0
	e.SendSub = SendIdle
	e.ResetSub = ResetIdle
	e.GuestToken = SentinelToken
	e.HostToken = SentinelToken
}

func (e *Engine) connID() string {
	return ConnectionID(e.GuestToken, e.HostToken)
}

func (e *Engine) setState(s ConnState) {
	if s == e.State {
		return
	}
	old := e.State
	e.State = s
	if e.OnStateChange != nil {
		e.OnStateChange(old, s)
	}
}

// RequestReset files a RESET reason against the channel. It is idempotent:
// once a reset is already in flight, later calls are ignored. The native
// endpoint is closed immediately so the local application side observes
// end-of-stream without waiting for the foreign channel to drain.
func (e *Engine) RequestReset(reason string) {
	if e.ResetSub != ResetIdle {
		return
	}
	e.resetReason = reason
	e.ResetSub = ResetRequested
	if e.Native.IsOpen() {
		e.Native.Close()
	}
	e.Logger.WLogf("%s %s: RESET requested: %s", e.connID(), e.PathName, reason)
}

// Run is the engine's single entry point, invoked by the readiness loop
// once per cycle for any channel with a fresh indication. It performs, in
// order: foreign transmit drain, foreign receive and dispatch, and (if
// ESTABLISHED) native receive into the foreign transmit path.
func (e *Engine) Run() {
	if e.ResetSub != ResetIdle {
		e.stepReset()
		e.computeInterest()
		return
	}
	e.stepTx(false)
	e.stepRx()
	if e.State == StateEstablished && e.ResetSub == ResetIdle {
		e.stepNativeToForeign()
	}
	e.computeInterest()
}

// computeInterest recomputes each endpoint's desired-read/desired-write
// flags from current substate. The foreign endpoint always wants to read
// while open (byte-stream resynchronization can consume garbage in any
// state); it wants to write whenever a send is in flight. The native
// endpoint only wants to read once ESTABLISHED and no payload previously
// read from it is still waiting to be sent to foreign, and only wants to
// write while a payload received from foreign is being forwarded to it
// (MESSAGE_TO_PEER).
func (e *Engine) computeInterest() {
	if e.Foreign.IsOpen() {
		e.Foreign.DesiredRead = true
		e.Foreign.DesiredWrite = e.SendSub != SendIdle || e.ResetSub != ResetIdle
	}
	if e.Native.IsOpen() {
		// Not reading in SYN_SENT keeps a guest client's early hello from
		// flooding the poller before the host confirms the session.
		e.Native.DesiredRead = e.State == StateEstablished && e.ResetSub == ResetIdle && !e.txPending
		e.Native.DesiredWrite = e.RecvSub == RecvMessageToPeer
	}
}

// SetNative adopts conn as the channel's native endpoint.
func (e *Engine) SetNative(conn RawIO, forceNonblock bool) error {
	return e.Native.Open(conn, forceNonblock)
}

// Cleanup performs ResetCleanUp immediately, without going through the
// RESET-frame send that RequestReset triggers. Role bindings use this when
// starting a brand new session on a channel that has no peer to notify
// (the guest side, priming a fresh connection attempt).
func (e *Engine) Cleanup() {
	e.cleanup()
}

// BeginSend arms the transmit substate machine to send a header-only frame.
// Role bindings use this to send the initial SYN (guest) that has no
// corresponding inbound message to react to.
func (e *Engine) BeginSend(h Header) {
	e.queueSend(h, 0)
}

// SetTokens directly assigns the session tokens. Role bindings use this
// only when establishing a brand-new session (the guest generating its own
// guestToken before any frame exchange); ordinary token adoption happens
// inside dispatchMessage.
func (e *Engine) SetTokens(guestToken, hostToken uint32) {
	e.GuestToken = guestToken
	e.HostToken = hostToken
}

// SetState directly assigns the connection state. Role bindings use this
// only for the guest's SYN_SENT transition, which has no inbound frame to
// react to; all other transitions happen inside dispatchMessage.
func (e *Engine) SetState(s ConnState) {
	e.setState(s)
}

// Endpoints implements Pollable for the readiness loop.
func (e *Engine) Endpoints() (foreign, native *Endpoint) {
	return e.Foreign, e.Native
}

// ---- transmit substate machine (spec §4.2.2) ----

// stepTx progresses the foreign-endpoint transmit substate machine by one
// non-blocking write attempt. When duringReset is true, this call is being
// used to drain a pre-existing send before a RESET frame can be queued;
// a fatal error in that context abandons the send and runs cleanup
// immediately rather than recursing into RequestReset (which would be a no-op anyway, since a
// reset is already in flight).
func (e *Engine) stepTx(duringReset bool) {
	switch e.SendSub {
	case SendIdle:
		return
	case SendHeader:
		n, status := e.Foreign.Send(e.txHeaderBuf[e.txHeaderCount:])
		e.txHeaderCount += n
		switch status {
		case SendNormal:
			if e.txPending {
				e.SendSub = SendBuffer
			} else {
				e.SendSub = SendIdle
			}
		case SendIncomplete, SendFull:
			// retry next cycle
		case SendClosed, SendError:
			e.abortForeignSend(duringReset)
		}
	case SendBuffer:
		n, status := e.Foreign.Send(e.txPayloadBuf[e.txSentCount:e.txPayloadLen])
		e.txSentCount += n
		switch status {
		case SendNormal:
			e.SendSub = SendIdle
			e.txPending = false
			e.txSentCount = 0
			e.txPayloadLen = 0
		case SendIncomplete, SendFull:
			// retry next cycle
		case SendClosed, SendError:
			e.abortForeignSend(duringReset)
		}
	}
}

func (e *Engine) abortForeignSend(duringReset bool) {
	if duringReset {
		e.cleanup()
		return
	}
	e.RequestReset("foreign endpoint write failed")
}

// queueSend arms the transmit substate machine to send header, optionally
// followed by a payload already staged in txPayloadBuf[:payloadLen].
func (e *Engine) queueSend(h Header, payloadLen int) {
	e.txHeaderBuf = EncodeHeader(h)
	e.txHeaderCount = 0
	e.txPayloadLen = payloadLen
	e.txSentCount = 0
	e.txPending = payloadLen > 0
	e.SendSub = SendHeader
}

// ---- RESET coordination (spec §4.2.4-4.2.5) ----

func (e *Engine) stepReset() {
	if e.SendSub != SendIdle {
		e.stepTx(true)
		if e.SendSub != SendIdle || e.ResetSub == ResetIdle {
			// still draining a pre-existing send, or cleanup already ran
			// because that drain hit a fatal error.
			return
		}
	}
	if e.ResetSub == ResetRequested {
		e.discardStaleForeignBytes()
		e.RecvSub = RecvGetSync0
		e.rxHeaderCount = 0
		e.rxPayloadCount = 0
		e.rxToNative = 0
		e.queueSend(NewResetHeader(e.GuestToken, e.HostToken), 0)
		e.ResetSub = ResetSendInFlight
	}
	if e.ResetSub == ResetSendInFlight {
		e.stepTx(true)
		if e.SendSub == SendIdle && e.ResetSub == ResetSendInFlight {
			e.cleanup()
		}
	}
}

// discardStaleForeignBytes reads and discards up to resetDrainLimit bytes
// of whatever traffic is currently sitting on the foreign endpoint, so a
// stale in-flight frame from the ending session cannot corrupt the next
// one. It stops early on EMPTY, CLOSED, or ERROR.
func (e *Engine) discardStaleForeignBytes() {
	var scratch [4096]byte
	discarded := 0
	for discarded < resetDrainLimit {
		toRead := len(scratch)
		if remaining := resetDrainLimit - discarded; remaining < toRead {
			toRead = remaining
		}
		n, status := e.Foreign.Recv(scratch[:toRead])
		discarded += n
		if status == RecvEmpty || status == RecvClosed || status == RecvError {
			break
		}
	}
}

// cleanup implements ResetCleanUp (spec §4.2.5).
func (e *Engine) cleanup() {
	if e.Native.IsOpen() {
		e.Native.Close()
	}
	e.setState(e.Role.restState())
	e.RecvSub = RecvGetSync0
	e.SendSub = SendIdle
	e.ResetSub = ResetIdle
	e.rxHeaderCount = 0
	e.rxPayloadCount = 0
	e.rxToNative = 0
	e.txHeaderCount = 0
	e.txPayloadLen = 0
	e.txSentCount = 0
	e.txPending = false
	e.GuestToken = ResetToken
	e.HostToken = ResetToken
	e.resetReason = ""
	if e.Foreign.IsOpen() {
		e.Foreign.DesiredRead = true
		e.Foreign.DesiredWrite = true
	}
}

// ---- receive substate machine (spec §4.2.1) ----

func (e *Engine) stepRx() {
	for steps := 0; steps < maxResyncSteps; steps++ {
		switch e.RecvSub {
		case RecvGetSync0:
			if !e.recvSyncByte(Sync0) {
				return
			}
		case RecvGetSync1:
			if !e.recvSync1() {
				return
			}
		case RecvGetHeader:
			if !e.recvHeaderByte() {
				return
			}
		case RecvGetData:
			if !e.recvDataBytes() {
				return
			}
		case RecvMessageReady:
			e.dispatchMessage()
			if e.ResetSub != ResetIdle {
				// dispatch requested a RESET without advancing RecvSub past
				// MESSAGE_READY; stepReset takes over from here.
				return
			}
		case RecvMessageToPeer:
			if !e.continueMessageToPeer() {
				return
			}
		default:
			return
		}
	}
}

// recvSyncByte implements GET_SYNC0: read one byte; on match advance to
// GET_SYNC1; otherwise discard (if the current state tolerates garbage, see
// toleratesGarbage) or request a RESET for an unexpected byte.
func (e *Engine) recvSyncByte(want byte) bool {
	var b [1]byte
	n, status := e.Foreign.Recv(b[:])
	if n == 0 {
		return e.handleRecvStall(status)
	}
	if b[0] == want {
		e.RecvSub = RecvGetSync1
		return true
	}
	if e.toleratesGarbage() {
		return true // discard and loop
	}
	e.RequestReset("unexpected byte while awaiting frame sync")
	return false
}

// toleratesGarbage reports whether the channel's current state is one in
// which arbitrary non-sync bytes on the foreign endpoint are expected and
// silently discarded rather than treated as a protocol violation: LISTEN
// for the host role, SYN_SENT for the guest role.
func (e *Engine) toleratesGarbage() bool {
	if e.Role == RoleHost {
		return e.State == StateListen
	}
	return e.State == StateSynSent
}

func (e *Engine) recvSync1() bool {
	var b [1]byte
	n, status := e.Foreign.Recv(b[:])
	if n == 0 {
		return e.handleRecvStall(status)
	}
	switch b[0] {
	case Sync1:
		e.rxHeaderBuf[0] = Sync0
		e.rxHeaderBuf[1] = Sync1
		e.rxHeaderCount = 2
		e.RecvSub = RecvGetHeader
	case Sync0:
		// stay in GET_SYNC1: treat as a new potential sync0
	default:
		e.RecvSub = RecvGetSync0
	}
	return true
}

func (e *Engine) recvHeaderByte() bool {
	n, status := e.Foreign.Recv(e.rxHeaderBuf[e.rxHeaderCount:])
	e.rxHeaderCount += n
	if e.rxHeaderCount < HeaderSize {
		return e.handleRecvStall(status)
	}
	h, err := DecodeHeader(e.rxHeaderBuf[:])
	if err != nil || !ValidateHeader(h) {
		e.RequestReset("invalid frame header")
		return false
	}
	e.rxHeader = h
	if h.PayloadLength == 0 {
		e.RecvSub = RecvMessageReady
	} else {
		e.rxPayloadCount = 0
		e.RecvSub = RecvGetData
	}
	return true
}

func (e *Engine) recvDataBytes() bool {
	target := int(e.rxHeader.PayloadLength)
	n, status := e.Foreign.Recv(e.rxPayloadBuf[e.rxPayloadCount:target])
	e.rxPayloadCount += n
	if e.rxPayloadCount < target {
		return e.handleRecvStall(status)
	}
	e.RecvSub = RecvMessageReady
	return true
}

// handleRecvStall interprets a partial-or-empty read's status: EMPTY means
// wait for the next readable indication; CLOSED/ERROR means the foreign
// peer is gone and a RESET should be requested; anything else (a genuine
// partial read) just leaves the substate unchanged for the next cycle.
func (e *Engine) handleRecvStall(status RecvStatus) bool {
	switch status {
	case RecvEmpty:
		return false
	case RecvClosed, RecvError:
		e.RequestReset("foreign endpoint read failed")
		return false
	default:
		return false
	}
}

// continueMessageToPeer implements MESSAGE_TO_PEER: keep writing the
// already-received payload to the native endpoint until it drains.
func (e *Engine) continueMessageToPeer() bool {
	n, status := e.Native.Send(e.rxPayloadBuf[e.rxToNative:e.rxPayloadCount])
	e.rxToNative += n
	switch status {
	case SendNormal:
		e.finishMessage()
		return true
	case SendIncomplete, SendFull:
		return false
	default:
		e.RequestReset("native endpoint write failed")
		return false
	}
}

func (e *Engine) finishMessage() {
	e.RecvSub = RecvGetSync0
	e.rxHeaderCount = 0
	e.rxPayloadCount = 0
	e.rxToNative = 0
}

// ---- frame dispatch (spec §4.2.3) ----

func (e *Engine) tokensMatch(h Header) bool {
	return h.GuestToken == e.GuestToken && h.HostToken == e.HostToken
}

func (e *Engine) dispatchMessage() {
	h := e.rxHeader
	switch e.State {
	case StateListen:
		e.dispatchListen(h)
	case StateSynSent:
		e.dispatchSynSent(h)
	case StateSynRcvd:
		e.dispatchSynRcvd(h)
	case StateEstablished:
		e.dispatchEstablished(h)
	default:
		// CLOSED: no frames processed.
	}
}

func (e *Engine) dispatchListen(h Header) {
	switch h.Ctrl {
	case CtrlSYN:
		e.GuestToken = h.GuestToken
		e.HostToken = e.Tokens.Next()
		if e.OpenNativeForSYN != nil && e.OpenNativeForSYN() {
			e.queueSend(NewSYNACKHeader(e.GuestToken, e.HostToken), 0)
			e.setState(StateSynRcvd)
			e.finishMessage()
			return
		}
		e.RequestReset("failed to open native service socket")
	case CtrlRESET:
		// no session yet: ignore.
		e.finishMessage()
	default:
		// per Open Question resolution: ignore any other non-SYN frame
		// received in LISTEN rather than resetting.
		e.finishMessage()
	}
}

func (e *Engine) dispatchSynSent(h Header) {
	switch h.Ctrl {
	case CtrlSYNACK:
		if h.GuestToken == e.GuestToken {
			e.HostToken = h.HostToken
			e.queueSend(NewACKHeader(e.GuestToken, e.HostToken), 0)
			e.setState(StateEstablished)
			e.finishMessage()
			return
		}
		e.RequestReset("SYNACK token mismatch")
	case CtrlRESET:
		if h.GuestToken == e.GuestToken {
			e.finishMessage()
			e.acceptReset()
			return
		}
		e.finishMessage() // stale RESET for a different session: ignore
	default:
		e.finishMessage()
	}
}

func (e *Engine) dispatchSynRcvd(h Header) {
	switch h.Ctrl {
	case CtrlACK:
		if e.tokensMatch(h) {
			e.setState(StateEstablished)
			e.finishMessage()
			return
		}
		e.RequestReset("ACK token mismatch")
	case CtrlRESET:
		e.finishMessage()
		e.acceptReset()
	default:
		e.finishMessage()
	}
}

func (e *Engine) dispatchEstablished(h Header) {
	switch h.Ctrl {
	case CtrlDATA:
		if !e.tokensMatch(h) || h.PayloadLength == 0 {
			e.RequestReset("DATA frame token mismatch or empty payload")
			return
		}
		e.rxToNative = 0
		n, status := e.Native.Send(e.rxPayloadBuf[:e.rxPayloadCount])
		e.rxToNative = n
		switch status {
		case SendNormal:
			e.finishMessage()
		case SendIncomplete, SendFull:
			e.RecvSub = RecvMessageToPeer
		default:
			e.RequestReset("native endpoint write failed")
		}
	case CtrlRESET:
		e.finishMessage()
		e.acceptReset()
	default:
		e.finishMessage()
	}
}

// acceptReset performs cleanup for a peer-initiated RESET that the local
// side accepts without replying (spec §4.2.3: "accept; don't reply").
func (e *Engine) acceptReset() {
	if e.Native.IsOpen() {
		e.Native.Close()
	}
	e.cleanup()
}

// ---- native-to-foreign forwarding (spec §4.2.6) ----

func (e *Engine) stepNativeToForeign() {
	if e.txPending || e.SendSub != SendIdle {
		return
	}
	n, status := e.Native.Recv(e.txPayloadBuf[:MaxPayloadSize])
	switch status {
	case RecvNormal, RecvIncomplete:
		if n == 0 {
			return
		}
		e.queueSend(NewDataHeader(e.GuestToken, e.HostToken, uint16(n)), n)
	case RecvEmpty:
		// nothing available right now
	case RecvClosed, RecvError:
		e.RequestReset("native endpoint closed")
	}
}
