package bme680

import "math"

// calibration holds the factory trimming parameters of one chip.
type calibration struct {
	t1 uint16
	t2 int16
	t3 int8

	p1  uint16
	p2  int16
	p3  int8
	p4  int16
	p5  int16
	p6  int8
	p7  int8
	p8  int16
	p9  int16
	p10 uint8

	h1 uint16
	h2 uint16
	h3 int8
	h4 int8
	h5 int8
	h6 uint8
	h7 int8

	gh1 int8
	gh2 int16
	gh3 int8

	resHeatRange uint8
	resHeatVal   int8
	rangeSwErr   int8
}

const coeffLen = coeff1Len + coeff2Len

// parseCalibration decodes the two coefficient blocks read from 0x89 and
// 0xE1, concatenated, plus the heater range, heater value and switching
// error registers.
func parseCalibration(c []byte, heatRange, heatVal, swErr byte) calibration {
	le16 := func(lsb int) uint16 { return uint16(c[lsb+1])<<8 | uint16(c[lsb]) }
	return calibration{
		t1: le16(33),
		t2: int16(le16(1)),
		t3: int8(c[3]),

		p1:  le16(5),
		p2:  int16(le16(7)),
		p3:  int8(c[9]),
		p4:  int16(le16(11)),
		p5:  int16(le16(13)),
		p7:  int8(c[15]),
		p6:  int8(c[16]),
		p8:  int16(le16(19)),
		p9:  int16(le16(21)),
		p10: c[23],

		h2: uint16(c[25])<<4 | uint16(c[26]>>4),
		h1: uint16(c[27])<<4 | uint16(c[26]&0x0F),
		h3: int8(c[28]),
		h4: int8(c[29]),
		h5: int8(c[30]),
		h6: c[31],
		h7: int8(c[32]),

		gh2: int16(le16(35)),
		gh1: int8(c[37]),
		gh3: int8(c[38]),

		resHeatRange: (heatRange & 0x30) >> 4,
		resHeatVal:   int8(heatVal),
		rangeSwErr:   int8(swErr&0xF0) >> 4,
	}
}

// field is one raw measurement as read from the data registers.
type field struct {
	status     byte
	press      uint32
	temp       uint32
	hum        uint32
	gas        uint32
	gasRange   uint8
	gasValid   bool
	heatStable bool
}

func (f field) newData() bool {
	return f.status&statusNewData != 0
}

func decodeField(b []byte) field {
	return field{
		status:     b[0],
		press:      uint32(b[2])<<12 | uint32(b[3])<<4 | uint32(b[4])>>4,
		temp:       uint32(b[5])<<12 | uint32(b[6])<<4 | uint32(b[7])>>4,
		hum:        uint32(b[8])<<8 | uint32(b[9]),
		gas:        uint32(b[13])<<2 | uint32(b[14])>>6,
		gasRange:   b[14] & 0x0F,
		gasValid:   b[14]&gasValidBit != 0,
		heatStable: b[14]&heatStableBit != 0,
	}
}

// temperature returns the fine temperature shared by the other channels and
// the temperature in °C.
func (c calibration) temperature(adc uint32) (fine, celsius float64) {
	v1 := (float64(adc)/16384 - float64(c.t1)/1024) * float64(c.t2)
	v2 := float64(adc)/131072 - float64(c.t1)/8192
	v2 = v2 * v2 * float64(c.t3) * 16
	fine = v1 + v2
	return fine, fine / 5120
}

// pressure returns the pressure in Pa.
func (c calibration) pressure(adc uint32, fine float64) float64 {
	v1 := fine/2 - 64000
	v2 := v1 * v1 * float64(c.p6) / 131072
	v2 += v1 * float64(c.p5) * 2
	v2 = v2/4 + float64(c.p4)*65536
	v1 = (float64(c.p3)*v1*v1/16384 + float64(c.p2)*v1) / 524288
	v1 = (1 + v1/32768) * float64(c.p1)
	if int(v1) == 0 {
		return 0
	}

	p := 1048576 - float64(adc)
	p = (p - v2/4096) * 6250 / v1
	v1 = float64(c.p9) * p * p / 2147483648
	v2 = p * float64(c.p8) / 32768
	v3 := math.Pow(p/256, 3) * float64(c.p10) / 131072
	return p + (v1+v2+v3+float64(c.p7)*128)/16
}

// humidity returns the relative humidity in %, clamped to 0..100.
func (c calibration) humidity(adc uint32, fine float64) float64 {
	tc := fine / 5120
	v1 := float64(adc) - (float64(c.h1)*16 + float64(c.h3)/2*tc)
	v2 := v1 * (float64(c.h2) / 262144 * (1 + float64(c.h4)/16384*tc + float64(c.h5)/1048576*tc*tc))
	v3 := float64(c.h6) / 16384
	v4 := float64(c.h7) / 2097152
	h := v2 + (v3+v4*tc)*v2*v2
	return math.Min(100, math.Max(0, h))
}

var (
	gasRangeK1 = [16]float64{0, 0, 0, 0, 0, -1, 0, -0.8, 0, 0, -0.2, -0.5, 0, -1, 0, 0}
	gasRangeK2 = [16]float64{0, 0, 0, 0, 0.1, 0.7, 0, -0.8, -0.1, 0, 0, 0, 0, 0, 0, 0}
)

// gasResistance returns the heated plate resistance in Ω.
func (c calibration) gasResistance(adc uint32, gasRange uint8) float64 {
	r := gasRange & 0x0F
	v1 := 1340 + 5*float64(c.rangeSwErr)
	v2 := v1 * (1 + gasRangeK1[r]/100)
	v3 := 1 + gasRangeK2[r]/100
	return 1 / (v3 * 0.000000125 * float64(uint32(1)<<r) * ((float64(adc)-512)/v2 + 1))
}

// heaterResistance encodes a heater target in °C for res_heat_0, given the
// ambient temperature. Targets above 400 °C are clamped.
func (c calibration) heaterResistance(target, ambient float64) byte {
	if target > maxHeaterTemp {
		target = maxHeaterTemp
	}
	v1 := float64(c.gh1)/16 + 49
	v2 := float64(c.gh2)/32768*0.0005 + 0.00235
	v3 := float64(c.gh3) / 1024
	v4 := v1 * (1 + v2*target)
	v5 := v4 + v3*ambient
	return byte(3.4 * (v5*(4/(4+float64(c.resHeatRange)))*(1/(1+float64(c.resHeatVal)*0.002)) - 25))
}

// heaterWait encodes a heating duration in ms for gas_wait_0: six bits of
// value and a two bit multiplier by four.
func heaterWait(ms int) byte {
	if ms >= 0xFC0 {
		return 0xFF
	}
	var factor int
	for ms > 0x3F {
		ms /= 4
		factor++
	}
	return byte(ms + factor*64)
}
