//go:build windows && 386

package native

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/loqalabs/loqa-aitalk/internal/aitalk"
	"golang.org/x/sys/windows"
)

// engineConfig mirrors the engine's initialisation record.
type engineConfig struct {
	hzVoiceDB    uint32
	dirVoiceDBs  *byte
	msecTimeout  uint32
	pathLicense  *byte
	codeAuthSeed *byte
	lenAuthSeed  uint32
}

// jobParam mirrors the submission record: in/out tag and opaque user data.
type jobParam struct {
	modeInOut aitalk.JobInOut
	userData  uintptr
}

type dll struct {
	lib *windows.LazyDLL

	init, langLoad, langClear, voiceLoad, voiceClear *windows.LazyProc
	setParam, getParam                               *windows.LazyProc
	textToKana, getKana, closeKana                   *windows.LazyProc
	textToSpeech, getData, closeSpeech               *windows.LazyProc
	reloadPhraseDic, reloadWordDic, reloadSymbolDic  *windows.LazyProc
}

func loadDLL(path string) (Library, error) {
	lib := windows.NewLazyDLL(path)
	if err := lib.Load(); err != nil {
		return nil, err
	}
	d := &dll{
		lib:             lib,
		init:            lib.NewProc("_AITalkAPI_Init@4"),
		langLoad:        lib.NewProc("_AITalkAPI_LangLoad@4"),
		langClear:       lib.NewProc("_AITalkAPI_LangClear@0"),
		voiceLoad:       lib.NewProc("_AITalkAPI_VoiceLoad@4"),
		voiceClear:      lib.NewProc("_AITalkAPI_VoiceClear@0"),
		setParam:        lib.NewProc("_AITalkAPI_SetParam@4"),
		getParam:        lib.NewProc("_AITalkAPI_GetParam@8"),
		textToKana:      lib.NewProc("_AITalkAPI_TextToKana@12"),
		getKana:         lib.NewProc("_AITalkAPI_GetKana@20"),
		closeKana:       lib.NewProc("_AITalkAPI_CloseKana@8"),
		textToSpeech:    lib.NewProc("_AITalkAPI_TextToSpeech@12"),
		getData:         lib.NewProc("_AITalkAPI_GetData@16"),
		closeSpeech:     lib.NewProc("_AITalkAPI_CloseSpeech@8"),
		reloadPhraseDic: lib.NewProc("_AITalkAPI_ReloadPhraseDic@4"),
		reloadWordDic:   lib.NewProc("_AITalkAPI_ReloadWordDic@4"),
		reloadSymbolDic: lib.NewProc("_AITalkAPI_ReloadSymbolDic@4"),
	}
	for _, p := range []*windows.LazyProc{
		d.init, d.langLoad, d.langClear, d.voiceLoad, d.voiceClear,
		d.setParam, d.getParam, d.textToKana, d.getKana, d.closeKana,
		d.textToSpeech, d.getData, d.closeSpeech,
		d.reloadPhraseDic, d.reloadWordDic, d.reloadSymbolDic,
	} {
		if err := p.Find(); err != nil {
			return nil, fmt.Errorf("resolve %s: %w", p.Name, err)
		}
	}
	return d, nil
}

func (d *dll) Close() error {
	return windows.FreeLibrary(windows.Handle(d.lib.Handle()))
}

func code(r1 uintptr) aitalk.ResultCode { return aitalk.ResultCode(int32(r1)) }

// cstring encodes s for the engine with a NUL terminator.
func cstring(s string) (*byte, error) {
	enc, err := aitalk.ShiftJIS.Encode(s)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, len(enc)+1)
	copy(buf, enc)
	return &buf[0], nil
}

func nulTerminated(b []byte) *byte {
	buf := make([]byte, len(b)+1)
	copy(buf, b)
	return &buf[0]
}

func bufPtr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

func (d *dll) callString(p *windows.LazyProc, s string) aitalk.ResultCode {
	ptr, err := cstring(s)
	if err != nil {
		return aitalk.InvalidArgument
	}
	r1, _, _ := p.Call(uintptr(unsafe.Pointer(ptr)))
	runtime.KeepAlive(ptr)
	return code(r1)
}

func (d *dll) Init(cfg aitalk.EngineConfig) aitalk.ResultCode {
	dir, err := cstring(cfg.VoiceDBDir)
	if err != nil {
		return aitalk.InvalidArgument
	}
	lic, err := cstring(cfg.LicensePath)
	if err != nil {
		return aitalk.InvalidArgument
	}
	seed, err := cstring(cfg.AuthSeed)
	if err != nil {
		return aitalk.InvalidArgument
	}
	c := &engineConfig{
		hzVoiceDB:    cfg.VoiceDBHz,
		dirVoiceDBs:  dir,
		msecTimeout:  cfg.TimeoutMS,
		pathLicense:  lic,
		codeAuthSeed: seed,
	}
	r1, _, _ := d.init.Call(uintptr(unsafe.Pointer(c)))
	runtime.KeepAlive(c)
	return code(r1)
}

func (d *dll) LangLoad(name string) aitalk.ResultCode  { return d.callString(d.langLoad, name) }
func (d *dll) VoiceLoad(name string) aitalk.ResultCode { return d.callString(d.voiceLoad, name) }

func (d *dll) LangClear() aitalk.ResultCode {
	r1, _, _ := d.langClear.Call()
	return code(r1)
}

func (d *dll) VoiceClear() aitalk.ResultCode {
	r1, _, _ := d.voiceClear.Call()
	return code(r1)
}

func (d *dll) GetParam(buf []byte) (uint32, aitalk.ResultCode) {
	size := uint32(len(buf))
	r1, _, _ := d.getParam.Call(bufPtr(buf), uintptr(unsafe.Pointer(&size)))
	runtime.KeepAlive(buf)
	return size, code(r1)
}

func (d *dll) SetParam(buf []byte) aitalk.ResultCode {
	r1, _, _ := d.setParam.Call(bufPtr(buf))
	runtime.KeepAlive(buf)
	return code(r1)
}

func (d *dll) submit(p *windows.LazyProc, inOut aitalk.JobInOut, token uintptr, input []byte) (int32, aitalk.ResultCode) {
	var jobID int32
	param := &jobParam{modeInOut: inOut, userData: token}
	text := nulTerminated(input)
	r1, _, _ := p.Call(uintptr(unsafe.Pointer(&jobID)), uintptr(unsafe.Pointer(param)), uintptr(unsafe.Pointer(text)))
	runtime.KeepAlive(param)
	runtime.KeepAlive(text)
	return jobID, code(r1)
}

func (d *dll) TextToKana(inOut aitalk.JobInOut, token uintptr, text []byte) (int32, aitalk.ResultCode) {
	return d.submit(d.textToKana, inOut, token, text)
}

func (d *dll) TextToSpeech(inOut aitalk.JobInOut, token uintptr, kana []byte) (int32, aitalk.ResultCode) {
	return d.submit(d.textToSpeech, inOut, token, kana)
}

func (d *dll) GetKana(jobID int32, buf []byte) (uint32, uint32, aitalk.ResultCode) {
	var read, pos uint32
	r1, _, _ := d.getKana.Call(uintptr(jobID), bufPtr(buf), uintptr(len(buf)),
		uintptr(unsafe.Pointer(&read)), uintptr(unsafe.Pointer(&pos)))
	runtime.KeepAlive(buf)
	return read, pos, code(r1)
}

func (d *dll) GetData(jobID int32, buf []byte) (uint32, aitalk.ResultCode) {
	var words uint32
	r1, _, _ := d.getData.Call(uintptr(jobID), bufPtr(buf), uintptr(len(buf)/2), uintptr(unsafe.Pointer(&words)))
	runtime.KeepAlive(buf)
	return words, code(r1)
}

func (d *dll) CloseKana(jobID, reserved int32) aitalk.ResultCode {
	r1, _, _ := d.closeKana.Call(uintptr(jobID), uintptr(reserved))
	return code(r1)
}

func (d *dll) CloseSpeech(jobID, reserved int32) aitalk.ResultCode {
	r1, _, _ := d.closeSpeech.Call(uintptr(jobID), uintptr(reserved))
	return code(r1)
}

// reload passes NULL for an empty path, which resets the dictionary.
func (d *dll) reload(p *windows.LazyProc, path string) aitalk.ResultCode {
	if path == "" {
		r1, _, _ := p.Call(0)
		return code(r1)
	}
	return d.callString(p, path)
}

func (d *dll) ReloadPhraseDic(path string) aitalk.ResultCode {
	return d.reload(d.reloadPhraseDic, path)
}
func (d *dll) ReloadWordDic(path string) aitalk.ResultCode { return d.reload(d.reloadWordDic, path) }
func (d *dll) ReloadSymbolDic(path string) aitalk.ResultCode {
	return d.reload(d.reloadSymbolDic, path)
}

// Callback trampolines are created once per process; the runtime caps how
// many can exist. They forward to whichever handler was installed last.
var (
	handler        atomic.Pointer[handlerBox]
	trampolines    aitalk.Procs
	trampolineOnce sync.Once
)

type handlerBox struct{ h aitalk.Handler }

func (d *dll) Procs(h aitalk.Handler) aitalk.Procs {
	handler.Store(&handlerBox{h: h})
	trampolineOnce.Do(func() {
		trampolines = aitalk.Procs{
			TextBuf: uint32(windows.NewCallback(textBufProc)),
			RawBuf:  uint32(windows.NewCallback(rawBufProc)),
			Event:   uint32(windows.NewCallback(eventProc)),
		}
	})
	return trampolines
}

func current() aitalk.Handler {
	if b := handler.Load(); b != nil {
		return b.h
	}
	return nil
}

func textBufProc(reason, jobID, userData uintptr) uintptr {
	h := current()
	if h == nil {
		return 0
	}
	return uintptr(h.TextBuf(aitalk.EventReason(int32(reason)), int32(jobID), userData))
}

// The 64-bit tick arrives as two stack words on 386.
func rawBufProc(reason, jobID, tickLo, tickHi, userData uintptr) uintptr {
	h := current()
	if h == nil {
		return 0
	}
	tick := uint64(tickHi)<<32 | uint64(tickLo)
	return uintptr(h.RawBuf(aitalk.EventReason(int32(reason)), int32(jobID), tick, userData))
}

func eventProc(reason, jobID, tickLo, tickHi, name, userData uintptr) uintptr {
	h := current()
	if h == nil {
		return 0
	}
	tick := uint64(tickHi)<<32 | uint64(tickLo)
	var label []byte
	if name != 0 {
		label = []byte(windows.BytePtrToString((*byte)(unsafe.Pointer(name))))
	}
	return uintptr(h.TTSEvent(aitalk.EventReason(int32(reason)), int32(jobID), tick, label, userData))
}
