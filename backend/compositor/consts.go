package compositor

const (
	displayIface  = "org.freedesktop.impl.portal.desktop.Display"
	listOutputs   = displayIface + ".ListOutputs"
	captureOutput = displayIface + ".CaptureOutput"
	pickColor     = displayIface + ".PickColor"
	introIface    = "org.freedesktop.impl.portal.desktop.Introspect"
	listWindows   = introIface + ".ListWindows"
	monitorPrefix = "m:"
	windowPrefix  = "w:"
)
