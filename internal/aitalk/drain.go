package aitalk

// textCapacity bounds the kana scratch buffer by the engine-reported per-job
// size and the hard maximum. A zero report falls back to the maximum.
func textCapacity(lenTextBytes uint32) int {
	if lenTextBytes == 0 || lenTextBytes > LenTextBufMax {
		return LenTextBufMax
	}
	return int(lenTextBytes)
}

// rawCapacity is the audio scratch size in bytes, always a whole number of
// 16-bit words.
func rawCapacity(lenRawWords uint32) int {
	n := uint64(lenRawWords) * 2
	if n == 0 || n > LenRawBufMaxBytes {
		n = LenRawBufMaxBytes
	}
	return int(n &^ 1)
}

func (j *Job) scratchBuf() []byte {
	if j.scratch == nil {
		j.scratch = make([]byte, j.capacity)
	}
	return j.scratch
}

// drainText pulls every ready kana chunk of job id into j. It stops on a
// non-success read or a short chunk and returns the code that ended it.
func drainText(e Engine, j *Job, id int32) (ResultCode, error) {
	buf := j.scratchBuf()
	for {
		n, pos, code := e.GetKana(id, buf)
		if code != Success {
			return code, nil
		}
		if int(n) > len(buf) {
			return code, protocolErrorf("GetKana", "job %d: engine wrote %d bytes into %d", id, n, len(buf))
		}
		j.buf.Write(buf[:n])
		j.mu.Lock()
		j.position = pos
		j.mu.Unlock()
		if int(n) < len(buf)-1 {
			return code, nil
		}
	}
}

// drainRaw pulls every ready audio chunk of job id into j. Capacity and the
// short-chunk rule are counted in words.
func drainRaw(e Engine, j *Job, id int32) (ResultCode, error) {
	buf := j.scratchBuf()
	capWords := len(buf) / 2
	for {
		words, code := e.GetData(id, buf)
		if code != Success {
			return code, nil
		}
		if int(words) > capWords {
			return code, protocolErrorf("GetData", "job %d: engine wrote %d words into %d", id, words, capWords)
		}
		j.buf.Write(buf[:words*2])
		if int(words) < capWords-1 {
			return code, nil
		}
	}
}
