package compositor

// Affine is a 2D affine map:
//
//	x' = A*x + B*y + Tx
//	y' = C*x + D*y + Ty
type Affine struct {
	A, B, C, D float32
	Tx, Ty     float32
}

// Identity is the identity map.
var Identity = Affine{A: 1, D: 1}

// Apply maps (x, y).
func (m Affine) Apply(x, y float32) (float32, float32) {
	return m.A*x + m.B*y + m.Tx, m.C*x + m.D*y + m.Ty
}

// Then returns the map that applies m and then n.
func (m Affine) Then(n Affine) Affine {
	return Affine{
		A:  n.A*m.A + n.B*m.C,
		B:  n.A*m.B + n.B*m.D,
		C:  n.C*m.A + n.D*m.C,
		D:  n.C*m.B + n.D*m.D,
		Tx: n.A*m.Tx + n.B*m.Ty + n.Tx,
		Ty: n.C*m.Tx + n.D*m.Ty + n.Ty,
	}
}

// orientation maps a unit-quad display coordinate to the unit source
// coordinate it shows, undoing the rotation/flip t applies to the source.
func orientation(t Transform) Affine {
	switch t {
	case TransformFlipH:
		return Affine{A: -1, D: 1, Tx: 1}
	case TransformFlipV:
		return Affine{A: 1, D: -1, Ty: 1}
	case TransformRot180:
		return Affine{A: -1, D: -1, Tx: 1, Ty: 1}
	case TransformRot90:
		return Affine{B: 1, C: -1, Ty: 1}
	case TransformRot270:
		return Affine{B: -1, C: 1, Tx: 1}
	case TransformFlipHRot90:
		return Affine{B: -1, C: -1, Tx: 1, Ty: 1}
	case TransformFlipVRot90:
		return Affine{B: 1, C: 1}
	default:
		return Identity
	}
}

// LayerTransform derives the two maps a layer is drawn with.
//
// pos takes the unit quad to dest inside a dstW x dstH target in
// normalized device coordinates (y up). uv takes the unit quad to texture
// coordinates inside crop of a srcW x srcH source, after undoing the
// rotation/flip selected by code.
func LayerTransform(dest, crop Rect, srcW, srcH, dstW, dstH uint32, code Transform) (pos, uv Affine) {
	w, h := float32(dstW), float32(dstH)
	pos = Affine{
		A:  2 * dest.Width() / w,
		D:  -2 * dest.Height() / h,
		Tx: 2*dest.Left/w - 1,
		Ty: 1 - 2*dest.Top/h,
	}

	sw, sh := float32(srcW), float32(srcH)
	if sw == 0 || sh == 0 {
		return pos, orientation(code)
	}
	cropMap := Affine{
		A:  crop.Width() / sw,
		D:  crop.Height() / sh,
		Tx: crop.Left / sw,
		Ty: crop.Top / sh,
	}
	return pos, orientation(code).Then(cropMap)
}
