// Package audio provides audio format conversion functions for the telephony leg.
// Twilio Media Streams carry 8 kHz mono G.711 μ-law; the speech services speak 16-bit little-endian PCM.
package audio

import (
	"encoding/base64"
)

const (
	TelephonySampleRate = 8000
	SpeechSampleRate    = 24000

	wavHeaderSize = 44
)

// DecodeMuLaw expands μ-law bytes into 16-bit little-endian PCM at the same sample rate.
func DecodeMuLaw(mulaw []byte) []byte {
	pcm := make([]byte, len(mulaw)*2)
	for i, mulawByte := range mulaw {
		sample := mulawToLinear(mulawByte)
		pcm[i*2] = byte(sample)
		pcm[i*2+1] = byte(sample >> 8)
	}
	return pcm
}

// EncodeMuLaw compresses 16-bit little-endian PCM into μ-law. A trailing odd byte is ignored.
func EncodeMuLaw(pcm []byte) []byte {
	mulaw := make([]byte, len(pcm)/2)
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(uint16(pcm[i]) | uint16(pcm[i+1])<<8)
		mulaw[i/2] = linearToMulaw(sample)
	}
	return mulaw
}

func ConvertPCM24kHzToMuLaw8kHz(pcm24k []byte) []byte {
	return EncodeMuLaw(downsamplePCM(pcm24k, SpeechSampleRate/TelephonySampleRate))
}

// WrapPCMAsWAV wraps raw mono 16-bit PCM in a RIFF/WAVE header so it can be uploaded as a file.
func WrapPCMAsWAV(pcmData []byte, sampleRate int) []byte {
	const (
		channels      = 1
		bitsPerSample = 16
	)
	dataSize := len(pcmData)
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	wav := make([]byte, wavHeaderSize+dataSize)

	copy(wav[0:4], "RIFF")
	putLE32(wav[4:8], uint32(36+dataSize))
	copy(wav[8:12], "WAVE")

	copy(wav[12:16], "fmt ")
	putLE32(wav[16:20], 16)
	putLE16(wav[20:22], 1) // PCM
	putLE16(wav[22:24], channels)
	putLE32(wav[24:28], uint32(sampleRate))
	putLE32(wav[28:32], uint32(byteRate))
	putLE16(wav[32:34], uint16(blockAlign))
	putLE16(wav[34:36], bitsPerSample)

	copy(wav[36:40], "data")
	putLE32(wav[40:44], uint32(dataSize))
	copy(wav[44:], pcmData)

	return wav
}

func Base64ToBytes(base64String string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64String)
}

func BytesToBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

func mulawToLinear(mulawByte byte) int16 {
	const BIAS = 0x84

	// Invert all bits
	mulawByte = ^mulawByte

	sign := mulawByte & 0x80
	exponent := (mulawByte >> 4) & 0x07
	mantissa := mulawByte & 0x0F

	sample := int16(mantissa)<<3 + BIAS
	sample <<= exponent
	sample -= BIAS

	if sign != 0 {
		return -sample
	}
	return sample
}

func linearToMulaw(sample int16) byte {
	const BIAS = 0x84
	const CLIP = 32635

	s := int32(sample)
	sign := uint8(0)
	if s < 0 {
		sign = 0x80
		s = -s
	}
	if s > CLIP {
		s = CLIP
	}
	s += BIAS

	// Find the position of the most significant bit
	var exponent uint8 = 7
	for mask := int32(0x4000); exponent > 0 && s&mask == 0; mask >>= 1 {
		exponent--
	}

	mantissa := uint8((s >> (exponent + 3)) & 0x0F)
	return ^(sign | (exponent << 4) | mantissa)
}

// downsamplePCM averages each group of factor samples, a crude low-pass before decimation.
func downsamplePCM(pcm []byte, factor int) []byte {
	samples := len(pcm) / 2
	out := make([]byte, (samples/factor)*2)

	for j := 0; j < samples/factor; j++ {
		var sum int32
		for k := 0; k < factor; k++ {
			idx := (j*factor + k) * 2
			sum += int32(int16(uint16(pcm[idx]) | uint16(pcm[idx+1])<<8))
		}
		avg := int16(sum / int32(factor))
		out[j*2] = byte(avg)
		out[j*2+1] = byte(uint16(avg) >> 8)
	}

	return out
}

func putLE16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
