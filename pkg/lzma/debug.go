package lzma

// DebugStats aggregates per-packet measurements of one member.
// Packet sizes count the extra bytes consumed from the member to
// decode the packet, not the data buffered in the range decoder.
type DebugStats struct {
	TotalPackets   uint64
	MaxDistance    uint
	MaxDistancePos int64 // file position of the packet with MaxDistance
	MaxPacketSize  int64
	MaxPacketPos   []int64 // file positions of packets of MaxPacketSize
	MaxMarkerSize  int64
}

func (s *DebugStats) notePacket(size, filePos int64) {
	s.TotalPackets++
	if size > s.MaxPacketSize {
		s.MaxPacketSize = size
		s.MaxPacketPos = s.MaxPacketPos[:0]
	}
	if size == s.MaxPacketSize {
		s.MaxPacketPos = append(s.MaxPacketPos, filePos)
	}
}

// DebugDecodeMember decodes like Test while recording packet
// statistics. mpos is the file position of the member, used to report
// absolute positions.
func (t *Tester) DebugDecodeMember(mpos int64) (int, *DebugStats) {
	stats := &DebugStats{}
	t.rdec.load()
	for !t.rdec.finished() {
		packetStart := t.MemberPosition()
		filePos := mpos + packetStart
		posState := int(t.DataPosition()) & posStateMask
		if t.rdec.decodeBit(&t.bmMatch[t.st][posState]) == 0 { // literal
			bm := t.bmLiteral[litState(t.peekPrev())][:]
			if t.st.isCharSetChar() {
				t.putByte(byte(t.rdec.decodeTree(bm, 8)))
			} else {
				t.putByte(t.rdec.decodeMatched(bm, t.peek(t.rep0)))
			}
			stats.notePacket(t.MemberPosition()-packetStart, filePos)
			continue
		}
		var length int
		if t.rdec.decodeBit(&t.bmRep[t.st]) != 0 { // rep
			if t.rdec.decodeBit(&t.bmRep0[t.st]) == 0 {
				if t.rdec.decodeBit(&t.bmLen[t.st][posState]) == 0 {
					t.st.setShortRep()
					t.putByte(t.peek(t.rep0))
					stats.notePacket(t.MemberPosition()-packetStart, filePos)
					continue
				}
			} else {
				var distance uint32
				if t.rdec.decodeBit(&t.bmRep1[t.st]) == 0 {
					distance = t.rep1
				} else {
					if t.rdec.decodeBit(&t.bmRep2[t.st]) == 0 {
						distance = t.rep2
					} else {
						distance = t.rep3
						t.rep3 = t.rep2
					}
					t.rep2 = t.rep1
				}
				t.rep1 = t.rep0
				t.rep0 = distance
			}
			t.st.setRep()
			length = MinMatchLen + t.rdec.decodeLen(&t.repLen, posState)
		} else {
			length = MinMatchLen + t.rdec.decodeLen(&t.matchLen, posState)
			distance := t.rdec.decodeTree(t.bmDisSlot[lenState(length)][:], disSlotBits)
			if distance >= startDisModel {
				disSlot := distance
				directBits := int(disSlot>>1) - 1
				distance = (2 | disSlot&1) << directBits
				if disSlot < endDisModel {
					distance += t.rdec.decodeTreeReversed(
						t.bmDis[distance-disSlot:], directBits)
				} else {
					distance += t.rdec.decode(directBits-disAlignBits) << disAlignBits
					distance += t.rdec.decodeTreeReversed(t.bmAlign[:], disAlignBits)
					if distance == 0xFFFFFFFF { // marker
						t.rdec.normalize()
						t.flushData()
						if sz := t.MemberPosition() - packetStart; sz > stats.MaxMarkerSize {
							stats.MaxMarkerSize = sz
						}
						stats.TotalPackets++
						if length == MinMatchLen { // end of stream
							if t.verifyTrailer() {
								return ResOK, stats
							}
							return ResTrailer, stats
						}
						if length == MinMatchLen+1 { // sync flush
							t.rdec.load()
							continue
						}
						return ResMarker, stats
					}
					if distance > t.maxRep0 {
						t.maxRep0 = distance
						stats.MaxDistance = uint(distance) + 1
						stats.MaxDistancePos = filePos
					}
				}
			}
			t.rep3, t.rep2, t.rep1, t.rep0 = t.rep2, t.rep1, t.rep0, distance
			t.st.setMatch()
			if int(t.rep0) >= t.dictSize ||
				(int(t.rep0) >= t.pos && !t.posWrapped) {
				t.flushData()
				return ResDecodeError, stats
			}
		}
		t.copyBlock(t.rep0, length)
		stats.notePacket(t.MemberPosition()-packetStart, filePos)
	}
	t.flushData()
	return ResEOF, stats
}
