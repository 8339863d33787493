package aitalk

// EngineConfig is the initialization record handed to Engine.Init.
type EngineConfig struct {
	VoiceDBHz   uint32
	VoiceDBDir  string
	TimeoutMS   uint32
	LicensePath string
	AuthSeed    string
}

// Procs holds the callback addresses placed into the parameter record's
// callback slots. Zero means "not installed".
type Procs struct {
	TextBuf uint32
	RawBuf  uint32
	Event   uint32
}

// Handler receives engine callbacks. The engine may invoke these on threads
// it owns while the submitting goroutine is blocked, and possibly before the
// submission call has returned. token is the user data given at submission.
type Handler interface {
	TextBuf(reason EventReason, jobID int32, token uintptr) int32
	RawBuf(reason EventReason, jobID int32, tick uint64, token uintptr) int32
	TTSEvent(reason EventReason, jobID int32, tick uint64, name []byte, token uintptr) int32
}

// Engine is the native speech engine contract. Implementations must match
// the engine's calling convention bit for bit; the adapter never interprets
// codes beyond success/failure.
//
// String arguments (paths, language and voice names) are passed as Go
// strings and converted to the engine encoding by the implementation. Job
// input is already engine encoded and is not NUL terminated.
type Engine interface {
	Init(cfg EngineConfig) ResultCode
	LangLoad(name string) ResultCode
	LangClear() ResultCode
	VoiceLoad(name string) ResultCode
	VoiceClear() ResultCode

	// GetParam copies the current parameter record into buf. With a nil
	// buf it reports the required size and returns Insufficient.
	GetParam(buf []byte) (size uint32, code ResultCode)
	SetParam(buf []byte) ResultCode

	TextToKana(inOut JobInOut, token uintptr, text []byte) (jobID int32, code ResultCode)
	GetKana(jobID int32, buf []byte) (read uint32, pos uint32, code ResultCode)
	CloseKana(jobID int32, reserved int32) ResultCode

	TextToSpeech(inOut JobInOut, token uintptr, kana []byte) (jobID int32, code ResultCode)
	// GetData reads 16-bit samples; buf length is in bytes, the result in words.
	GetData(jobID int32, buf []byte) (words uint32, code ResultCode)
	CloseSpeech(jobID int32, reserved int32) ResultCode

	// Dictionary reloads. An empty path resets to the engine default.
	ReloadPhraseDic(path string) ResultCode
	ReloadWordDic(path string) ResultCode
	ReloadSymbolDic(path string) ResultCode

	// Procs routes the engine's callbacks to h and returns the addresses
	// to store in the parameter record.
	Procs(h Handler) Procs
}
