package hostnfc

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/dotside-studios/davi-nfc-manager/nfc"
)

// run executes fn on a worker goroutine under the operation lock and reports
// its outcome through done.
func (m *Module) run(op string, done nfc.Callback, fn func() (any, error)) {
	go func() {
		m.opMu.Lock()
		v, err := fn()
		m.opMu.Unlock()

		if err != nil {
			m.logger.Debug("operation failed", zap.String("op", op), zap.Error(err))
			done(err)
			return
		}
		if v == nil {
			done(nil)
			return
		}
		done(nil, v)
	}()
}

func (m *Module) connectedTarget() (Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connected == nil {
		return nil, ErrTechNotConnected
	}
	return m.connected, nil
}

func (m *Module) classicTarget() (ClassicTarget, error) {
	t, err := m.connectedTarget()
	if err != nil {
		return nil, err
	}
	c, ok := t.(ClassicTarget)
	if !ok {
		return nil, fmt.Errorf("tag %s is not a Mifare Classic tag", t.UID())
	}
	return c, nil
}

func (m *Module) ultralightTarget() (UltralightTarget, error) {
	t, err := m.connectedTarget()
	if err != nil {
		return nil, err
	}
	u, ok := t.(UltralightTarget)
	if !ok {
		return nil, fmt.Errorf("tag %s is not a Mifare Ultralight tag", t.UID())
	}
	return u, nil
}

// -------------------------------------
// Transport
// -------------------------------------

func (m *Module) setTimeout(args []any, done nfc.Callback) {
	ms, err := intArg(args, 0)
	if err != nil {
		done(err)
		return
	}
	t, err := m.connectedTarget()
	if err != nil {
		done(err)
		return
	}
	if s, ok := t.(TimeoutSetter); ok {
		s.SetTimeout(ms)
	}
	done(nil)
}

func (m *Module) transceive(args []any, done nfc.Callback) {
	data, err := bytesArg(args, 0)
	if err != nil {
		done(err)
		return
	}
	m.run("transceive", done, func() (any, error) {
		t, err := m.connectedTarget()
		if err != nil {
			return nil, err
		}
		return t.Transceive(data)
	})
}

func (m *Module) getMaxTransceiveLength(_ []any, done nfc.Callback) {
	if _, err := m.connectedTarget(); err != nil {
		done(err)
		return
	}
	done(nil, maxTransceiveLength)
}

// -------------------------------------
// Mifare Classic
// -------------------------------------

func (m *Module) mifareClassicAuthenticate(keyB bool) nfc.NativeMethod {
	op := "mifareClassicAuthenticateA"
	if keyB {
		op = "mifareClassicAuthenticateB"
	}
	return func(args []any, done nfc.Callback) {
		sector, err := intArg(args, 0)
		if err != nil {
			done(err)
			return
		}
		key, err := bytesArg(args, 1)
		if err != nil {
			done(err)
			return
		}
		m.run(op, done, func() (any, error) {
			t, err := m.classicTarget()
			if err != nil {
				return nil, err
			}
			if err := checkSector(t, sector); err != nil {
				return nil, err
			}
			return nil, t.Authenticate(sector, key, keyB)
		})
	}
}

func (m *Module) mifareClassicGetBlockCountInSector(args []any, done nfc.Callback) {
	sector, err := intArg(args, 0)
	if err != nil {
		done(err)
		return
	}
	t, err := m.classicTarget()
	if err != nil {
		done(err)
		return
	}
	if err := checkSector(t, sector); err != nil {
		done(err)
		return
	}
	done(nil, blockCountInSector(sector))
}

func (m *Module) mifareClassicGetSectorCount(_ []any, done nfc.Callback) {
	t, err := m.classicTarget()
	if err != nil {
		done(err)
		return
	}
	done(nil, t.SectorCount())
}

func (m *Module) mifareClassicSectorToBlock(args []any, done nfc.Callback) {
	sector, err := intArg(args, 0)
	if err != nil {
		done(err)
		return
	}
	t, err := m.classicTarget()
	if err != nil {
		done(err)
		return
	}
	if err := checkSector(t, sector); err != nil {
		done(err)
		return
	}
	done(nil, sectorToBlock(sector))
}

func (m *Module) mifareClassicReadBlock(args []any, done nfc.Callback) {
	block, err := intArg(args, 0)
	if err != nil {
		done(err)
		return
	}
	m.run("mifareClassicReadBlock", done, func() (any, error) {
		t, err := m.classicTarget()
		if err != nil {
			return nil, err
		}
		if err := checkSector(t, blockToSector(block)); err != nil {
			return nil, err
		}
		return t.ReadBlock(block)
	})
}

func (m *Module) mifareClassicReadSector(args []any, done nfc.Callback) {
	sector, err := intArg(args, 0)
	if err != nil {
		done(err)
		return
	}
	m.run("mifareClassicReadSector", done, func() (any, error) {
		t, err := m.classicTarget()
		if err != nil {
			return nil, err
		}
		if err := checkSector(t, sector); err != nil {
			return nil, err
		}
		first, count := sectorToBlock(sector), blockCountInSector(sector)
		data := make([]byte, 0, count*nfc.DefaultConstants().MifareBlockSize)
		for block := first; block < first+count; block++ {
			b, err := t.ReadBlock(block)
			if err != nil {
				return nil, fmt.Errorf("read block %d: %w", block, err)
			}
			data = append(data, b...)
		}
		return data, nil
	})
}

func (m *Module) mifareClassicWriteBlock(args []any, done nfc.Callback) {
	block, err := intArg(args, 0)
	if err != nil {
		done(err)
		return
	}
	data, err := bytesArg(args, 1)
	if err != nil {
		done(err)
		return
	}
	m.run("mifareClassicWriteBlock", done, func() (any, error) {
		t, err := m.classicTarget()
		if err != nil {
			return nil, err
		}
		if err := checkSector(t, blockToSector(block)); err != nil {
			return nil, err
		}
		return nil, t.WriteBlock(block, data)
	})
}

// -------------------------------------
// Mifare Ultralight
// -------------------------------------

// mifareUltralightReadPages reads the four pages starting at the offset, as
// the Ultralight READ command does.
func (m *Module) mifareUltralightReadPages(args []any, done nfc.Callback) {
	offset, err := intArg(args, 0)
	if err != nil {
		done(err)
		return
	}
	m.run("mifareUltralightReadPages", done, func() (any, error) {
		t, err := m.ultralightTarget()
		if err != nil {
			return nil, err
		}
		pageSize := nfc.DefaultConstants().MifareUltralightPageSize
		data := make([]byte, 0, 4*pageSize)
		for page := offset; page < offset+4; page++ {
			p, err := t.ReadPage(page)
			if err != nil {
				return nil, fmt.Errorf("read page %d: %w", page, err)
			}
			data = append(data, p...)
		}
		return data, nil
	})
}

func (m *Module) mifareUltralightWritePage(args []any, done nfc.Callback) {
	page, err := intArg(args, 0)
	if err != nil {
		done(err)
		return
	}
	data, err := bytesArg(args, 1)
	if err != nil {
		done(err)
		return
	}
	m.run("mifareUltralightWritePage", done, func() (any, error) {
		t, err := m.ultralightTarget()
		if err != nil {
			return nil, err
		}
		return nil, t.WritePage(page, data)
	})
}
