package density

// integral is a summed-volume table over a boolean field. Entry (x, y, z)
// holds the number of set voxels in [0,x) x [0,y) x [0,z), so any axis
// aligned box count costs eight lookups regardless of its size.
type integral struct {
	w, h, d int
	sum     []int32
}

func newIntegral(field []bool, width, height, depth int) *integral {
	s := &integral{w: width + 1, h: height + 1, d: depth + 1}
	s.sum = make([]int32, s.w*s.h*s.d)
	for z := 1; z <= depth; z++ {
		for y := 1; y <= height; y++ {
			var row int32
			for x := 1; x <= width; x++ {
				if field[(z-1)*width*height+(y-1)*width+(x-1)] {
					row++
				}
				s.sum[s.at(x, y, z)] = row + s.sum[s.at(x, y-1, z)] + s.sum[s.at(x, y, z-1)] - s.sum[s.at(x, y-1, z-1)]
			}
		}
	}
	return s
}

func (s *integral) at(x, y, z int) int {
	return z*s.w*s.h + y*s.w + x
}

// count returns the number of set voxels in the inclusive box
// [x0,x1] x [y0,y1] x [z0,z1]. Bounds must already be clipped to the volume.
func (s *integral) count(x0, y0, z0, x1, y1, z1 int) int {
	x1, y1, z1 = x1+1, y1+1, z1+1
	v := s.sum[s.at(x1, y1, z1)] -
		s.sum[s.at(x0, y1, z1)] - s.sum[s.at(x1, y0, z1)] - s.sum[s.at(x1, y1, z0)] +
		s.sum[s.at(x0, y0, z1)] + s.sum[s.at(x0, y1, z0)] + s.sum[s.at(x1, y0, z0)] -
		s.sum[s.at(x0, y0, z0)]
	return int(v)
}
