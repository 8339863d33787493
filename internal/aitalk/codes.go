package aitalk

import "fmt"

// ResultCode is the signed status returned by every engine call. Zero is
// success, negative values are errors and positive values are non-fatal
// conditions.
type ResultCode int32

const (
	Success             ResultCode = 0
	InternalError       ResultCode = -1
	Unsupported         ResultCode = -2
	InvalidArgument     ResultCode = -3
	WaitTimeout         ResultCode = -4
	NotInitialized      ResultCode = -10
	AlreadyInitialized  ResultCode = 10
	NotLoaded           ResultCode = -11
	AlreadyLoaded       ResultCode = 11
	Insufficient        ResultCode = -20
	PartiallyRegistered ResultCode = 21
	LicenseAbsent       ResultCode = -100
	LicenseExpired      ResultCode = -101
	LicenseRejected     ResultCode = -102
	TooManyJobs         ResultCode = -201
	InvalidJobID        ResultCode = -202
	JobBusy             ResultCode = -203
	NoMoreData          ResultCode = 204
	OutOfMemory         ResultCode = -206
	FileNotFound        ResultCode = -1001
	PathNotFound        ResultCode = -1002
	ReadFault           ResultCode = -1003
	CountLimit          ResultCode = -1004
	UserDicLocked       ResultCode = -1011
	UserDicNoEntry      ResultCode = -1012
)

var resultCodeNames = map[ResultCode]string{
	Success:             "SUCCESS",
	InternalError:       "INTERNAL_ERROR",
	Unsupported:         "UNSUPPORTED",
	InvalidArgument:     "INVALID_ARGUMENT",
	WaitTimeout:         "WAIT_TIMEOUT",
	NotInitialized:      "NOT_INITIALIZED",
	AlreadyInitialized:  "ALREADY_INITIALIZED",
	NotLoaded:           "NOT_LOADED",
	AlreadyLoaded:       "ALREADY_LOADED",
	Insufficient:        "INSUFFICIENT",
	PartiallyRegistered: "PARTIALLY_REGISTERED",
	LicenseAbsent:       "LICENSE_ABSENT",
	LicenseExpired:      "LICENSE_EXPIRED",
	LicenseRejected:     "LICENSE_REJECTED",
	TooManyJobs:         "TOO_MANY_JOBS",
	InvalidJobID:        "INVALID_JOBID",
	JobBusy:             "JOB_BUSY",
	NoMoreData:          "NOMORE_DATA",
	OutOfMemory:         "OUT_OF_MEMORY",
	FileNotFound:        "FILE_NOT_FOUND",
	PathNotFound:        "PATH_NOT_FOUND",
	ReadFault:           "READ_FAULT",
	CountLimit:          "COUNT_LIMIT",
	UserDicLocked:       "USERDIC_LOCKED",
	UserDicNoEntry:      "USERDIC_NOENTRY",
}

func (c ResultCode) String() string {
	if name, ok := resultCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("RESULT(%d)", int32(c))
}

// IsError reports whether the code is a failure. Positive codes such as
// AlreadyLoaded or NoMoreData are not failures.
func (c ResultCode) IsError() bool { return c < 0 }

// Error lets a bare code be compared with errors.Is against an *EngineError.
func (c ResultCode) Error() string { return c.String() }

// EventReason identifies why the engine invoked a callback.
type EventReason int32

const (
	ReasonTextBufFull   EventReason = 101
	ReasonTextBufFlush  EventReason = 102
	ReasonTextBufClose  EventReason = 103
	ReasonRawBufFull    EventReason = 201
	ReasonRawBufFlush   EventReason = 202
	ReasonRawBufClose   EventReason = 203
	ReasonPhoneticLabel EventReason = 301
	ReasonBookmark      EventReason = 302
	ReasonAutoBookmark  EventReason = 303
)

func (r EventReason) String() string {
	switch r {
	case ReasonTextBufFull:
		return "TEXTBUF_FULL"
	case ReasonTextBufFlush:
		return "TEXTBUF_FLUSH"
	case ReasonTextBufClose:
		return "TEXTBUF_CLOSE"
	case ReasonRawBufFull:
		return "RAWBUF_FULL"
	case ReasonRawBufFlush:
		return "RAWBUF_FLUSH"
	case ReasonRawBufClose:
		return "RAWBUF_CLOSE"
	case ReasonPhoneticLabel:
		return "PH_LABEL"
	case ReasonBookmark:
		return "BOOKMARK"
	case ReasonAutoBookmark:
		return "AUTO_BOOKMARK"
	default:
		return fmt.Sprintf("REASON(%d)", int32(r))
	}
}

// JobInOut is the conversion tag handed to the engine on submission.
type JobInOut int32

const (
	PlainToWave   JobInOut = 11
	AIKanaToWave  JobInOut = 12
	JeitaToWave   JobInOut = 13
	PlainToAIKana JobInOut = 21
	AIKanaToJeita JobInOut = 32
)

// JobKind separates the two job families the adapter drives.
type JobKind int

const (
	KindPhonetic JobKind = iota
	KindWaveform
)

func (k JobKind) String() string {
	switch k {
	case KindPhonetic:
		return "phonetic"
	case KindWaveform:
		return "waveform"
	default:
		return "unknown"
	}
}

// Extend format flags stored in the parameter header.
const (
	ExtendJeitaRuby    int32 = 1
	ExtendAutoBookmark int32 = 16
)

// Engine-side limits.
const (
	LenTextBufMax      = 64 * 1024
	LenRawBufMaxBytes  = 1024 * 1024
	MaxVoiceName       = 80
	MaxJeitaControl    = 12
	DefaultVoiceDBHz   = 44100
	DefaultEngineMS    = 1000
	closeReservedValue = 0
)
