// Package mysqlparse implements the MySQL wire protocol v10 parser contract
// (spec.md §4.6): packet framing, the client-command/server-response state
// matrix, and breakdown folding for one connection.
package mysqlparse

import (
	"time"

	"github.com/postmanlabs/flowbreak/parser"
	"github.com/postmanlabs/flowbreak/registry"
)

// mysqlState names the protocol states from spec.md §4.6's 2D state table.
type mysqlState int

const (
	stateNotConnected mysqlState = iota
	stateClientHandshake
	stateSecureAuth
	stateSleep
	stateStatistics
	stateFieldList
	stateTxtRS
	stateTxtField
	stateTxtRow
	stateBinRS
	stateBinField
	stateBinRow
	stateStmtMeta
	stateStmtParam
	stateStmtFetchRS
	statePong
	stateOKOrError
	stateEnd
	stateEndOrError
)

// Command bytes, COM_SLEEP through COM_RESET_CONNECTION.
const (
	comSleep               byte = 0x00
	comQuit                byte = 0x01
	comInitDB              byte = 0x02
	comQuery               byte = 0x03
	comFieldList           byte = 0x04
	comCreateDB            byte = 0x05
	comDropDB              byte = 0x06
	comRefresh             byte = 0x07
	comShutdown            byte = 0x08
	comStatistics          byte = 0x09
	comProcessInfo         byte = 0x0A
	comConnect             byte = 0x0B
	comProcessKill         byte = 0x0C
	comDebug               byte = 0x0D
	comPing                byte = 0x0E
	comTime                byte = 0x0F
	comDelayedInsert       byte = 0x10
	comChangeUser          byte = 0x11
	comBinlogDump          byte = 0x12
	comTableDump           byte = 0x13
	comConnectOut          byte = 0x14
	comRegisterSlave       byte = 0x15
	comStmtPrepare         byte = 0x16
	comStmtExecute         byte = 0x17
	comStmtSendLongData    byte = 0x18
	comStmtClose           byte = 0x19
	comStmtReset           byte = 0x1A
	comSetOption           byte = 0x1B
	comStmtFetch           byte = 0x1C
	comDaemon              byte = 0x1D
	comBinlogDumpGTID      byte = 0x1E
	comResetConnection     byte = 0x1F
)

const (
	respOK  byte = 0x00
	respEOF byte = 0xFE
	respERR byte = 0xFF
)

const serverMoreResultsExists uint16 = 0x0008

// sharedInfo is the handshake-negotiated connection metadata, shared across
// every command issued on the connection.
type sharedInfo struct {
	protoVer      byte
	serverVer     string
	connID        uint32
	cliCaps       uint32
	cliProtoV41   bool
	maxPktSize    uint32
	doCompress    bool
	doSSL         bool
	userName      string
}

// requestLifecycle names the phase used for reset-type classification,
// mirroring httpparse's detail states.
type requestLifecycle int

const (
	mysqlInit requestLifecycle = iota
	requestBegin
	requestComplete
	responseBegin
)

type preparedStmt struct {
	query     string
	numParams int
	numCols   int
}

// current holds the in-flight command's bookkeeping between dispatch and
// completion.
type current struct {
	lifecycle requestLifecycle

	command    byte
	query      string
	stmtID     uint32

	reqTime      time.Time
	respBegin    time.Time
	respEnd      time.Time

	columnCount int
	columnsSeen int
	rowCount    int

	skipRemaining int

	affectedRows uint64
	warnings     uint16
	errCode      uint16
	errMessage   string
	sqlState     string
	terminal     string // "OK", "ERROR"

	requestSize  int
	responseSize int
}

func newCurrent(cmd byte, query string, reqSize int, ts time.Time) *current {
	return &current{command: cmd, query: query, requestSize: reqSize, reqTime: ts, lifecycle: requestBegin}
}

// Factory builds Sessions for services registered under registry.ProtocolMySQL.
type Factory struct{}

func NewFactory() *Factory { return &Factory{} }

func (f *Factory) Name() string { return string(registry.ProtocolMySQL) }

func (f *Factory) NewSession() parser.Session {
	return &Session{
		state:         stateNotConnected,
		preparedStmts: map[uint32]*preparedStmt{},
	}
}

// Session is the per-connection MySQL protocol state machine.
type Session struct {
	shared sharedInfo
	state  mysqlState

	cur *current

	preparedStmts map[uint32]*preparedStmt
	pendingPrepareStmtID uint32

	lastCompleted *current

	sslDisengaged     bool
	compressionActive bool
}

func (s *Session) OnEstablished(ts time.Time) {}

func (s *Session) OnUrgent(dir parser.Direction, b byte, ts time.Time) {}

func (s *Session) OnData(dir parser.Direction, data []byte, ts time.Time) (int, parser.SessionState) {
	if s.sslDisengaged {
		return len(data), parser.Active
	}
	if dir == parser.FromClient {
		return s.onClientData(data, ts)
	}
	return s.onServerData(data, ts)
}

func (s *Session) onClientData(data []byte, ts time.Time) (int, parser.SessionState) {
	if s.compressionActive {
		return s.onClientDataCompressed(data, ts)
	}
	consumedTotal := 0
	for {
		payload, seqID, n, ok := extractPacket(data)
		if !ok {
			break
		}
		data = data[n:]
		consumedTotal += n
		s.handleClientPacket(payload, seqID, ts)
	}
	return consumedTotal, parser.Active
}

func (s *Session) onServerData(data []byte, ts time.Time) (int, parser.SessionState) {
	if s.compressionActive {
		return s.onServerDataCompressed(data, ts)
	}
	consumedTotal := 0
	state := parser.Active
	for {
		payload, seqID, n, ok := extractPacket(data)
		if !ok {
			break
		}
		data = data[n:]
		consumedTotal += n
		if s.handleServerPacket(payload, seqID, ts) {
			state = parser.Done
		}
	}
	return consumedTotal, state
}

// onClientDataCompressed and onServerDataCompressed mirror their
// uncompressed counterparts one layer down: the outer loop consumes whole
// compressed frames from data, the inner loop consumes whole plain packets
// out of each frame's decompressed bytes.
func (s *Session) onClientDataCompressed(data []byte, ts time.Time) (int, parser.SessionState) {
	consumedTotal := 0
	for {
		plain, n, ok := extractCompressedFrame(data)
		if !ok {
			break
		}
		data = data[n:]
		consumedTotal += n
		for {
			payload, seqID, pn, ok := extractPacket(plain)
			if !ok {
				break
			}
			plain = plain[pn:]
			s.handleClientPacket(payload, seqID, ts)
		}
	}
	return consumedTotal, parser.Active
}

func (s *Session) onServerDataCompressed(data []byte, ts time.Time) (int, parser.SessionState) {
	consumedTotal := 0
	state := parser.Active
	for {
		plain, n, ok := extractCompressedFrame(data)
		if !ok {
			break
		}
		data = data[n:]
		consumedTotal += n
		for {
			payload, seqID, pn, ok := extractPacket(plain)
			if !ok {
				break
			}
			plain = plain[pn:]
			if s.handleServerPacket(payload, seqID, ts) {
				state = parser.Done
			}
		}
	}
	return consumedTotal, state
}

func (s *Session) handleClientPacket(payload []byte, seqID byte, ts time.Time) {
	switch s.state {
	case stateNotConnected, stateClientHandshake:
		// Handshake response; the server's OK/ERR moves the state on.
		parseClientHandshake(&s.shared, payload)
		s.state = stateClientHandshake
	case stateSecureAuth:
		// Re-auth response for COM_CHANGE_USER; wait for server OK/ERR.
	case stateSleep:
		s.dispatchCommand(payload, ts)
	default:
		// A command arriving mid-result-set means the server is being
		// abandoned (pipelining isn't part of the MySQL protocol); treat it
		// as abandoning the in-flight command and starting a new one.
		s.dispatchCommand(payload, ts)
	}
}

func (s *Session) dispatchCommand(payload []byte, ts time.Time) {
	if len(payload) == 0 {
		return
	}
	cmd := payload[0]
	query := ""
	if len(payload) > 1 {
		query = string(payload[1:])
	}
	s.cur = newCurrent(cmd, query, len(payload), ts)

	switch cmd {
	case comQuery:
		s.state = stateTxtRS
	case comFieldList:
		s.state = stateFieldList
	case comQuit:
		s.state = stateNotConnected
		s.cur = nil
	case comPing:
		s.state = statePong
	case comStmtPrepare:
		s.state = stateStmtMeta
	case comStmtExecute:
		if len(payload) >= 5 {
			s.cur.stmtID = leUint32(payload[1:5])
			if stmt, ok := s.preparedStmts[s.cur.stmtID]; ok {
				s.cur.query = stmt.query
			}
		}
		s.state = stateBinRS
	case comStmtFetch:
		if len(payload) >= 5 {
			s.cur.stmtID = leUint32(payload[1:5])
		}
		s.state = stateStmtFetchRS
	case comChangeUser:
		s.state = stateSecureAuth
	case comStmtClose:
		if len(payload) >= 5 {
			delete(s.preparedStmts, leUint32(payload[1:5]))
		}
		s.state = stateSleep
		s.cur = nil
	case comStmtReset, comSetOption, comResetConnection:
		s.state = stateOKOrError
	case comStatistics:
		s.state = stateStatistics
	default:
		s.state = stateOKOrError
	}
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// handleServerPacket processes one server-direction packet and returns true
// if doing so completed the in-flight command.
func (s *Session) handleServerPacket(payload []byte, seqID byte, ts time.Time) bool {
	if s.cur != nil {
		s.cur.responseSize += len(payload)
	}
	switch s.state {
	case stateNotConnected:
		parseServerGreeting(&s.shared, payload)
		s.state = stateClientHandshake
		return false
	case stateClientHandshake, stateSecureAuth:
		return s.handleAuthResult(payload, ts)
	case statePong, stateOKOrError, stateStatistics:
		return s.handleSimpleTerminal(payload, ts)
	case stateTxtRS:
		return s.handleResultSetHeader(payload, ts, false)
	case stateBinRS:
		return s.handleResultSetHeader(payload, ts, true)
	case stateFieldList:
		return s.handleFieldList(payload, ts)
	case stateTxtField:
		return s.handleFieldDef(payload, ts, stateTxtRow)
	case stateBinField:
		return s.handleFieldDef(payload, ts, stateBinRow)
	case stateTxtRow:
		return s.handleRow(payload, ts, false)
	case stateBinRow:
		return s.handleRow(payload, ts, true)
	case stateStmtMeta:
		return s.handleStmtPrepareOK(payload, ts)
	case stateStmtParam, stateStmtFetchRS:
		return s.handleSkipOrRow(payload, ts)
	case stateEnd, stateEndOrError:
		return s.handleSimpleTerminal(payload, ts)
	}
	return false
}

func (s *Session) handleAuthResult(payload []byte, ts time.Time) bool {
	if len(payload) == 0 {
		return false
	}
	switch payload[0] {
	case respOK:
		if s.shared.doSSL {
			s.sslDisengaged = true
		}
		if s.shared.doCompress {
			s.compressionActive = true
		}
		s.state = stateSleep
	case respERR:
		s.state = stateNotConnected
	default:
		// AuthMoreData / auth-switch continuation: stay in the same state
		// until OK/ERR.
	}
	return false
}

func (s *Session) handleSimpleTerminal(payload []byte, ts time.Time) bool {
	if len(payload) == 0 {
		return false
	}
	done := false
	switch payload[0] {
	case respOK:
		done = s.cur != nil && s.cur.command != comPing && s.cur.command != comQuit
		s.finishOK(payload, ts)
	case respERR:
		s.finishError(payload, ts)
		done = true
	}
	s.state = stateSleep
	return done
}

func (s *Session) handleResultSetHeader(payload []byte, ts time.Time, binary bool) bool {
	if len(payload) == 0 {
		return false
	}
	switch payload[0] {
	case respOK:
		s.finishOK(payload, ts)
		s.state = stateSleep
		return true
	case respERR:
		s.finishError(payload, ts)
		s.state = stateSleep
		return true
	}
	count, size := readLenEncInt(payload, 0)
	if size == 0 {
		s.state = stateSleep
		return false
	}
	s.cur.columnCount = int(count)
	s.cur.lifecycle = responseBegin
	s.cur.respBegin = ts
	if binary {
		s.state = stateBinField
	} else {
		s.state = stateTxtField
	}
	return false
}

func (s *Session) handleFieldList(payload []byte, ts time.Time) bool {
	if len(payload) > 0 && payload[0] == respEOF && len(payload) < 9 {
		s.finishEOF(payload, ts, stateSleep)
		return true
	}
	if len(payload) > 0 && payload[0] == respERR {
		s.finishError(payload, ts)
		s.state = stateSleep
		return true
	}
	s.cur.columnsSeen++
	return false
}

func (s *Session) handleFieldDef(payload []byte, ts time.Time, nextRow mysqlState) bool {
	if isEOF(payload) {
		s.state = nextRow
		return false
	}
	s.cur.columnsSeen++
	return false
}

func (s *Session) handleRow(payload []byte, ts time.Time, binary bool) bool {
	if isEOF(payload) {
		status := uint16(0)
		if len(payload) >= 5 {
			status = uint16(payload[3]) | uint16(payload[4])<<8
		}
		if status&serverMoreResultsExists != 0 {
			s.cur.rowCount = 0
			s.cur.columnsSeen = 0
			if binary {
				s.state = stateBinRS
			} else {
				s.state = stateTxtRS
			}
			return false
		}
		s.finishEOF(payload, ts, stateSleep)
		return true
	}
	if len(payload) > 0 && payload[0] == respERR {
		s.finishError(payload, ts)
		s.state = stateSleep
		return true
	}
	s.cur.rowCount++
	return false
}

func (s *Session) handleStmtPrepareOK(payload []byte, ts time.Time) bool {
	if len(payload) > 0 && payload[0] == respERR {
		s.finishError(payload, ts)
		s.state = stateSleep
		return true
	}
	if len(payload) < 12 {
		s.state = stateSleep
		return false
	}
	stmtID := leUint32(payload[1:5])
	numCols := int(payload[5]) | int(payload[6])<<8
	numParams := int(payload[7]) | int(payload[8])<<8

	s.preparedStmts[stmtID] = &preparedStmt{query: s.cur.query, numParams: numParams, numCols: numCols}
	s.cur.stmtID = stmtID

	skip := 0
	if numParams > 0 {
		skip += numParams + 1
	}
	if numCols > 0 {
		skip += numCols + 1
	}
	if skip == 0 {
		s.finishOK(payload, ts)
		s.state = stateSleep
		return true
	}
	s.cur.skipRemaining = skip
	s.state = stateStmtParam
	return false
}

func (s *Session) handleSkipOrRow(payload []byte, ts time.Time) bool {
	s.cur.skipRemaining--
	if s.cur.skipRemaining <= 0 {
		s.finishOK(payload, ts)
		s.state = stateSleep
		return true
	}
	return false
}

func isEOF(payload []byte) bool {
	return len(payload) > 0 && payload[0] == respEOF && len(payload) < 9
}

func (s *Session) finishOK(payload []byte, ts time.Time) {
	if s.cur == nil {
		return
	}
	s.cur.terminal = "OK"
	s.cur.respEnd = ts
	if len(payload) > 1 {
		rows, n := readLenEncInt(payload, 1)
		if n > 0 {
			s.cur.affectedRows = rows
		}
	}
	s.lastCompleted = s.cur
	s.cur = nil
}

func (s *Session) finishEOF(payload []byte, ts time.Time, next mysqlState) {
	if s.cur == nil {
		return
	}
	s.cur.terminal = "OK"
	s.cur.respEnd = ts
	s.lastCompleted = s.cur
	s.cur = nil
}

func (s *Session) finishError(payload []byte, ts time.Time) {
	if s.cur == nil {
		return
	}
	s.cur.terminal = "ERROR"
	s.cur.respEnd = ts
	if len(payload) > 3 {
		s.cur.errCode = uint16(payload[1]) | uint16(payload[2])<<8
	}
	if len(payload) > 9 && payload[3] == '#' {
		s.cur.sqlState = string(payload[4:9])
		s.cur.errMessage = string(payload[9:])
	} else if len(payload) > 3 {
		s.cur.errMessage = string(payload[3:])
	}
	s.lastCompleted = s.cur
	s.cur = nil
}

func (s *Session) OnReset(dir parser.Direction, ts time.Time) {
	if s.cur == nil {
		s.lastCompleted = &current{terminal: "RESET_TYPE4", lifecycle: mysqlInit}
		return
	}
	switch s.cur.lifecycle {
	case requestBegin:
		s.cur.terminal = "RESET_TYPE1"
	case requestComplete:
		s.cur.terminal = "RESET_TYPE2"
	case responseBegin:
		s.cur.terminal = "RESET_TYPE3"
	default:
		s.cur.terminal = "RESET_TYPE4"
	}
	s.lastCompleted = s.cur
	s.cur = nil
}

func (s *Session) OnFin(dir parser.Direction, ts time.Time) parser.SessionState {
	return parser.Active
}

func (s *Session) Breakdown() map[string]interface{} {
	c := s.lastCompleted
	if c == nil {
		return map[string]interface{}{}
	}
	s.lastCompleted = nil

	m := map[string]interface{}{
		"mysql_state":             c.terminal,
		"mysql_command":           commandName(c.command),
		"mysql_query":             c.query,
		"mysql_request_statement": requestStatement(c.command, c.query),
		"mysql_rows_affected":     c.affectedRows,
		"mysql_rows_returned":     c.rowCount,
		"mysql_columns":           c.columnCount,
		"mysql_server_version":    s.shared.serverVer,
		"mysql_user_name":         s.shared.userName,
		"mysql_connection_id":     s.shared.connID,
		"mysql_request_size":      c.requestSize,
		"mysql_response_size":     c.responseSize,
	}
	if c.terminal == "ERROR" {
		m["mysql_error_code"] = c.errCode
		m["mysql_error_message"] = c.errMessage
		m["mysql_sql_state"] = c.sqlState
	}
	if !c.reqTime.IsZero() && !c.respBegin.IsZero() {
		m["mysql_response_latency"] = c.respBegin.Sub(c.reqTime).Milliseconds()
	}
	if !c.respBegin.IsZero() && !c.respEnd.IsZero() {
		m["mysql_download_latency"] = c.respEnd.Sub(c.respBegin).Milliseconds()
	}
	return m
}

// requestStatement mirrors the original analyzer's "<command> schema:<text>"
// logging line (ntrace_c's pktQuery), used here as the breakdown's single
// human-readable summary of what the client asked for.
func requestStatement(cmd byte, query string) string {
	return commandName(cmd) + " schema:" + query
}

func commandName(cmd byte) string {
	switch cmd {
	case comSleep:
		return "COM_SLEEP"
	case comQuit:
		return "COM_QUIT"
	case comInitDB:
		return "COM_INIT_DB"
	case comQuery:
		return "COM_QUERY"
	case comFieldList:
		return "COM_FIELD_LIST"
	case comCreateDB:
		return "COM_CREATE_DB"
	case comDropDB:
		return "COM_DROP_DB"
	case comRefresh:
		return "COM_REFRESH"
	case comShutdown:
		return "COM_SHUTDOWN"
	case comStatistics:
		return "COM_STATISTICS"
	case comProcessInfo:
		return "COM_PROCESS_INFO"
	case comConnect:
		return "COM_CONNECT"
	case comProcessKill:
		return "COM_PROCESS_KILL"
	case comDebug:
		return "COM_DEBUG"
	case comPing:
		return "COM_PING"
	case comTime:
		return "COM_TIME"
	case comDelayedInsert:
		return "COM_DELAYED_INSERT"
	case comChangeUser:
		return "COM_CHANGE_USER"
	case comBinlogDump:
		return "COM_BINLOG_DUMP"
	case comTableDump:
		return "COM_TABLE_DUMP"
	case comConnectOut:
		return "COM_CONNECT_OUT"
	case comRegisterSlave:
		return "COM_REGISTER_SLAVE"
	case comStmtPrepare:
		return "COM_STMT_PREPARE"
	case comStmtExecute:
		return "COM_STMT_EXECUTE"
	case comStmtSendLongData:
		return "COM_STMT_SEND_LONG_DATA"
	case comStmtClose:
		return "COM_STMT_CLOSE"
	case comStmtReset:
		return "COM_STMT_RESET"
	case comSetOption:
		return "COM_SET_OPTION"
	case comStmtFetch:
		return "COM_STMT_FETCH"
	case comDaemon:
		return "COM_DAEMON"
	case comBinlogDumpGTID:
		return "COM_BINLOG_DUMP_GTID"
	case comResetConnection:
		return "COM_RESET_CONNECTION"
	default:
		return "COM_UNKNOWN"
	}
}
