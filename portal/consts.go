package portal

const (
	basePath = "/org/freedesktop/portal/desktop"

	requestIface   = "org.freedesktop.impl.portal.Request"
	sessionIface   = "org.freedesktop.impl.portal.Session"
	responseMember = requestIface + ".Response"
	closedMember   = sessionIface + ".Closed"

	screencastIface    = "org.freedesktop.impl.portal.ScreenCast"
	screenshotIface    = "org.freedesktop.impl.portal.Screenshot"
	remoteDesktopIface = "org.freedesktop.impl.portal.RemoteDesktop"
	backgroundIface    = "org.freedesktop.impl.portal.Background"
	fileChooserIface   = "org.freedesktop.impl.portal.FileChooser"
)

// Response codes carried by the Response signal.
const (
	ResponseSuccess   uint32 = 0
	ResponseCancelled uint32 = 1
	ResponseOther     uint32 = 2
)

// Source type bitmask, portal wire encoding.
const (
	SourceTypeMonitor uint32 = 1
	SourceTypeWindow  uint32 = 2
	SourceTypeVirtual uint32 = 4
)

// Cursor mode bitmask, portal wire encoding.
const (
	CursorModeHidden   uint32 = 1
	CursorModeEmbedded uint32 = 2
	CursorModeMetadata uint32 = 4
)

// Persist modes for capture grants.
const (
	PersistModeNone      uint32 = 0
	PersistModeTransient uint32 = 1
	PersistModePermanent uint32 = 2
)

// Recognized option keys.
const (
	optHandleToken        = "handle_token"
	optSessionHandleToken = "session_handle_token"
	optAppID              = "app_id"
	optTypes              = "types"
	optMultiple           = "multiple"
	optCursorMode         = "cursor_mode"
	optPersistMode        = "persist_mode"
	optRestoreToken       = "restore_token"
	optInteractive        = "interactive"
	optAcceptLabel        = "accept_label"
	optDirectory          = "directory"
	optCurrentName        = "current_name"
	optCurrentFolder      = "current_folder"
	optFiles              = "files"
)
