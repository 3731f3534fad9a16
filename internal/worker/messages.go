package worker

// Message is the control-mailbox envelope. Every variant is a distinct
// struct carrying its own reply channel, reproducing spec.md §4.E's
// CompressionWorkerMessage enum without a tagged-union type. The Dispatcher
// methods in api.go build each message together with its reply channel, so
// a caller of those methods always has somewhere to hear back.
type Message interface {
	isMessage()
}

type ProcessNowMsg struct {
	Reply chan int
}

func (ProcessNowMsg) isMessage() {}

type CancelDocumentMsg struct {
	DocumentID string
	Reply      chan bool
}

func (CancelDocumentMsg) isMessage() {}

type UpdatePriorityMsg struct {
	DocumentID string
	Priority   int
	Reply      chan error
}

func (UpdatePriorityMsg) isMessage() {}

type GetStatusMsg struct {
	Reply chan Status
}

func (GetStatusMsg) isMessage() {}

type GetIOSStatusMsg struct {
	Reply chan Status
}

func (GetIOSStatusMsg) isMessage() {}

type SetMaxConcurrencyMsg struct {
	N     int
	Reply chan struct{}
}

func (SetMaxConcurrencyMsg) isMessage() {}

type UpdateIOSStateMsg struct {
	Battery    float64
	Charging   bool
	Thermal    ThermalState
	AppState   AppState
	MemoryMB   int
	Reply      chan struct{}
}

func (UpdateIOSStateMsg) isMessage() {}

// MemoryPressureLevel mirrors the host's 0/1/2 normal/warning/critical
// signal (spec.md §4.E HandleMemoryPressure).
type MemoryPressureLevel int

const (
	MemoryNormal   MemoryPressureLevel = 0
	MemoryWarning  MemoryPressureLevel = 1
	MemoryCritical MemoryPressureLevel = 2
)

type HandleMemoryPressureMsg struct {
	Level MemoryPressureLevel
	Reply chan struct{}
}

func (HandleMemoryPressureMsg) isMessage() {}

type SetPausedMsg struct {
	Paused bool
	Reason string
	Reply  chan struct{}
}

func (SetPausedMsg) isMessage() {}

type HandleBackgroundTaskExtensionMsg struct {
	RemainingSeconds int
	Reply            chan struct{}
}

func (HandleBackgroundTaskExtensionMsg) isMessage() {}

type HandleContentVisibilityMsg struct {
	Visible bool
	Reply   chan struct{}
}

func (HandleContentVisibilityMsg) isMessage() {}

// AppLifecycleEvent is the set of events HandleAppLifecycleEvent accepts
// (spec.md §4.E).
type AppLifecycleEvent string

const (
	EventEnteringBackground AppLifecycleEvent = "entering_background"
	EventBecomingActive     AppLifecycleEvent = "becoming_active"
	EventResignedActive     AppLifecycleEvent = "resigned_active"
)

type HandleAppLifecycleEventMsg struct {
	Event AppLifecycleEvent
	Reply chan struct{}
}

func (HandleAppLifecycleEventMsg) isMessage() {}

type ShutdownMsg struct {
	Reply chan struct{}
}

func (ShutdownMsg) isMessage() {}
