package directory

// Red-black tree keyed on CB.sector, intrusive via CB.rbLeft/rbRight/
// rbParent/rbRed (spec §4.3: "red-black tree keyed on sector... O(log N)
// sector-to-CB lookups"). No library in the retrieval pack or the wider
// ecosystem supplies an intrusive, index-based red-black tree matching
// this shape (most Go tree libraries are key/value containers that would
// force a second allocation per node); this is the stdlib/hand-rolled
// justification entry for pkg/directory — see DESIGN.md.

const (
	red   = true
	black = false
)

func (d *Directory) colorOf(idx int32) bool {
	if idx == nilIdx {
		return black
	}

	return d.cbs[idx].rbRed
}

func (d *Directory) setColor(idx int32, c bool) {
	if idx != nilIdx {
		d.cbs[idx].rbRed = c
	}
}

func (d *Directory) parentOf(idx int32) int32 {
	if idx == nilIdx {
		return nilIdx
	}

	return d.cbs[idx].rbParent
}

func (d *Directory) leftOf(idx int32) int32 {
	if idx == nilIdx {
		return nilIdx
	}

	return d.cbs[idx].rbLeft
}

func (d *Directory) rightOf(idx int32) int32 {
	if idx == nilIdx {
		return nilIdx
	}

	return d.cbs[idx].rbRight
}

// rbFind returns the CB index caching sector, or nilIdx.
func (d *Directory) rbFind(sector uint64) int32 {
	cur := d.root

	for cur != nilIdx {
		s := d.cbs[cur].sector

		switch {
		case sector < s:
			cur = d.leftOf(cur)
		case sector > s:
			cur = d.rightOf(cur)
		default:
			return cur
		}
	}

	return nilIdx
}

func (d *Directory) rotateLeft(x int32) {
	y := d.rightOf(x)
	d.cbs[x].rbRight = d.leftOf(y)

	if d.leftOf(y) != nilIdx {
		d.cbs[d.leftOf(y)].rbParent = x
	}

	d.cbs[y].rbParent = d.parentOf(x)

	switch {
	case d.parentOf(x) == nilIdx:
		d.root = y
	case x == d.leftOf(d.parentOf(x)):
		d.cbs[d.parentOf(x)].rbLeft = y
	default:
		d.cbs[d.parentOf(x)].rbRight = y
	}

	d.cbs[y].rbLeft = x
	d.cbs[x].rbParent = y
}

func (d *Directory) rotateRight(x int32) {
	y := d.leftOf(x)
	d.cbs[x].rbLeft = d.rightOf(y)

	if d.rightOf(y) != nilIdx {
		d.cbs[d.rightOf(y)].rbParent = x
	}

	d.cbs[y].rbParent = d.parentOf(x)

	switch {
	case d.parentOf(x) == nilIdx:
		d.root = y
	case x == d.rightOf(d.parentOf(x)):
		d.cbs[d.parentOf(x)].rbRight = y
	default:
		d.cbs[d.parentOf(x)].rbLeft = y
	}

	d.cbs[y].rbRight = x
	d.cbs[x].rbParent = y
}

// rbInsert inserts idx (whose sector field is already set) into the
// tree. Returns ErrDuplicateSector if another CB already claims that
// sector; every call site is expected to have already ruled this out
// under the same lock via rbFind, so seeing this error is a bug.
func (d *Directory) rbInsert(idx int32) error {
	cb := &d.cbs[idx]
	cb.rbLeft, cb.rbRight, cb.rbParent = nilIdx, nilIdx, nilIdx
	cb.rbRed = red

	var parent int32 = nilIdx

	cur := d.root
	for cur != nilIdx {
		parent = cur

		switch {
		case cb.sector < d.cbs[cur].sector:
			cur = d.leftOf(cur)
		case cb.sector > d.cbs[cur].sector:
			cur = d.rightOf(cur)
		default:
			return ErrDuplicateSector
		}
	}

	cb.rbParent = parent

	switch {
	case parent == nilIdx:
		d.root = idx
	case cb.sector < d.cbs[parent].sector:
		d.cbs[parent].rbLeft = idx
	default:
		d.cbs[parent].rbRight = idx
	}

	d.insertFixup(idx)

	return nil
}

func (d *Directory) insertFixup(z int32) {
	for d.colorOf(d.parentOf(z)) == red {
		parent := d.parentOf(z)
		grandparent := d.parentOf(parent)

		if parent == d.leftOf(grandparent) {
			uncle := d.rightOf(grandparent)

			if d.colorOf(uncle) == red {
				d.setColor(parent, black)
				d.setColor(uncle, black)
				d.setColor(grandparent, red)
				z = grandparent

				continue
			}

			if z == d.rightOf(parent) {
				z = parent
				d.rotateLeft(z)
				parent = d.parentOf(z)
				grandparent = d.parentOf(parent)
			}

			d.setColor(parent, black)
			d.setColor(grandparent, red)
			d.rotateRight(grandparent)
		} else {
			uncle := d.leftOf(grandparent)

			if d.colorOf(uncle) == red {
				d.setColor(parent, black)
				d.setColor(uncle, black)
				d.setColor(grandparent, red)
				z = grandparent

				continue
			}

			if z == d.leftOf(parent) {
				z = parent
				d.rotateRight(z)
				parent = d.parentOf(z)
				grandparent = d.parentOf(parent)
			}

			d.setColor(parent, black)
			d.setColor(grandparent, red)
			d.rotateLeft(grandparent)
		}
	}

	d.setColor(d.root, black)
}

func (d *Directory) rbMinimum(idx int32) int32 {
	for d.leftOf(idx) != nilIdx {
		idx = d.leftOf(idx)
	}

	return idx
}

func (d *Directory) transplant(u, v int32) {
	switch {
	case d.parentOf(u) == nilIdx:
		d.root = v
	case u == d.leftOf(d.parentOf(u)):
		d.cbs[d.parentOf(u)].rbLeft = v
	default:
		d.cbs[d.parentOf(u)].rbRight = v
	}

	if v != nilIdx {
		d.cbs[v].rbParent = d.parentOf(u)
	}
}

// rbDelete removes idx from the tree. idx must currently be present.
func (d *Directory) rbDelete(z int32) {
	y := z
	yOrigColor := d.colorOf(y)

	var x, xParent int32

	switch {
	case d.leftOf(z) == nilIdx:
		x = d.rightOf(z)
		xParent = d.parentOf(z)
		d.transplant(z, d.rightOf(z))
	case d.rightOf(z) == nilIdx:
		x = d.leftOf(z)
		xParent = d.parentOf(z)
		d.transplant(z, d.leftOf(z))
	default:
		y = d.rbMinimum(d.rightOf(z))
		yOrigColor = d.colorOf(y)
		x = d.rightOf(y)

		if d.parentOf(y) == z {
			xParent = y
		} else {
			xParent = d.parentOf(y)
			d.transplant(y, d.rightOf(y))
			d.cbs[y].rbRight = d.rightOf(z)
			d.cbs[d.rightOf(y)].rbParent = y
		}

		d.transplant(z, y)
		d.cbs[y].rbLeft = d.leftOf(z)
		d.cbs[d.leftOf(y)].rbParent = y
		d.setColor(y, d.colorOf(z))
	}

	if yOrigColor == black {
		d.deleteFixup(x, xParent)
	}

	cb := &d.cbs[z]
	cb.rbLeft, cb.rbRight, cb.rbParent = nilIdx, nilIdx, nilIdx
	cb.rbRed = false
}

func (d *Directory) deleteFixup(x, parent int32) {
	for x != d.root && d.colorOf(x) == black {
		if x == d.leftOf(parent) {
			w := d.rightOf(parent)

			if d.colorOf(w) == red {
				d.setColor(w, black)
				d.setColor(parent, red)
				d.rotateLeft(parent)
				w = d.rightOf(parent)
			}

			if d.colorOf(d.leftOf(w)) == black && d.colorOf(d.rightOf(w)) == black {
				d.setColor(w, red)
				x = parent
				parent = d.parentOf(x)

				continue
			}

			if d.colorOf(d.rightOf(w)) == black {
				d.setColor(d.leftOf(w), black)
				d.setColor(w, red)
				d.rotateRight(w)
				w = d.rightOf(parent)
			}

			d.setColor(w, d.colorOf(parent))
			d.setColor(parent, black)
			d.setColor(d.rightOf(w), black)
			d.rotateLeft(parent)
			x = d.root
		} else {
			w := d.leftOf(parent)

			if d.colorOf(w) == red {
				d.setColor(w, black)
				d.setColor(parent, red)
				d.rotateRight(parent)
				w = d.leftOf(parent)
			}

			if d.colorOf(d.rightOf(w)) == black && d.colorOf(d.leftOf(w)) == black {
				d.setColor(w, red)
				x = parent
				parent = d.parentOf(x)

				continue
			}

			if d.colorOf(d.leftOf(w)) == black {
				d.setColor(d.rightOf(w), black)
				d.setColor(w, red)
				d.rotateLeft(w)
				w = d.leftOf(parent)
			}

			d.setColor(w, d.colorOf(parent))
			d.setColor(parent, black)
			d.setColor(d.leftOf(w), black)
			d.rotateRight(parent)
			x = d.root
		}
	}

	d.setColor(x, black)
}
