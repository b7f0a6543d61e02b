package binlog

import (
	"fmt"

	"github.com/maxpert/binlogtap/common"
)

func rowsAction(t EventType) (RowAction, int) {
	switch t {
	case EventWriteRowsV1:
		return ActionInsert, 1
	case EventUpdateRowsV1:
		return ActionUpdate, 1
	case EventDeleteRowsV1:
		return ActionDelete, 1
	case EventWriteRowsV2:
		return ActionInsert, 2
	case EventUpdateRowsV2:
		return ActionUpdate, 2
	case EventDeleteRowsV2:
		return ActionDelete, 2
	}
	return 0, 0
}

func (d *Decoder) decodeRows(t EventType, body []byte) (*Rows, error) {
	action, version := rowsAction(t)
	c := newCursor(body)
	rows := &Rows{
		Action:  action,
		Version: version,
		TableID: c.uintN(d.tableIDSize(t)),
		Flags:   c.uint16(),
	}
	if version == 2 {
		// the extra-data length counts its own two bytes
		extra := int(c.uint16())
		if c.err == nil && extra < 2 {
			return nil, common.Errorf(common.KindProtocol, "decode rows", "extra data length %d", extra)
		}
		c.skip(extra - 2)
	}
	count := c.lenEncInt()
	if c.err == nil && count > uint64(c.remaining())*8 {
		return nil, common.Errorf(common.KindProtocol, "decode rows", "%d columns in %d bytes", count, c.remaining())
	}
	rows.ColumnCount = int(count)
	present := c.bytes(bitmapSize(rows.ColumnCount))
	presentAfter := present
	if action == ActionUpdate {
		presentAfter = c.bytes(bitmapSize(rows.ColumnCount))
	}
	if c.err != nil {
		return nil, c.protocolErr("decode rows")
	}

	tm, ok := d.tables.Lookup(rows.TableID)
	if !ok {
		return nil, common.Errorf(common.KindProtocol, "decode rows", "no table map for table id %d", rows.TableID)
	}
	if len(tm.Columns) != rows.ColumnCount {
		return nil, common.Errorf(common.KindProtocol, "decode rows", "%s has %d columns, rows event carries %d", tm.Name(), len(tm.Columns), rows.ColumnCount)
	}
	rows.Table = tm
	if c.remaining() > 0 && (!anySet(present, rows.ColumnCount) || !anySet(presentAfter, rows.ColumnCount)) {
		return nil, common.Errorf(common.KindProtocol, "decode rows", "%s: %d row bytes with no present columns", tm.Name(), c.remaining())
	}

	for c.remaining() > 0 {
		start := c.pos
		img, err := decodeImage(c, tm, present)
		if err != nil {
			return nil, err
		}
		var change RowChange
		switch action {
		case ActionInsert:
			change.After = img
		case ActionDelete:
			change.Before = img
		case ActionUpdate:
			change.Before = img
			if change.After, err = decodeImage(c, tm, presentAfter); err != nil {
				return nil, err
			}
		}
		if c.pos == start {
			return nil, common.Errorf(common.KindProtocol, "decode rows", "%s: empty row image", tm.Name())
		}
		rows.Rows = append(rows.Rows, change)
	}
	return rows, nil
}

func anySet(bitmap []byte, n int) bool {
	for i := 0; i < n; i++ {
		if bitSet(bitmap, i) {
			return true
		}
	}
	return false
}

// decodeImage reads one row image: a null bitmap over the present columns,
// then a value for every present non-null column.
func decodeImage(c *cursor, tm *TableMap, present []byte) (RowImage, error) {
	n := 0
	for i := range tm.Columns {
		if bitSet(present, i) {
			n++
		}
	}
	nulls := c.bytes(bitmapSize(n))
	if c.err != nil {
		return nil, c.protocolErr("decode row image")
	}

	img := make(RowImage, 0, n)
	j := 0
	for i, col := range tm.Columns {
		if !bitSet(present, i) {
			continue
		}
		cv := ColumnValue{Index: i, Name: col.Name}
		if !bitSet(nulls, j) {
			v, used, err := decodeValue(c.data[c.pos:], col)
			if err != nil {
				return nil, fmt.Errorf("%s column %d: %w", tm.Name(), i, err)
			}
			c.pos += used
			cv.Value = v
		}
		j++
		img = append(img, cv)
	}
	return img, nil
}
