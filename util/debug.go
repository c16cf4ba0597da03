// Copyright 2022 The Armored Witness OS authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package util

import (
	"bytes"
	"debug/elf"
	"debug/gosym"
	"errors"
	"fmt"
)

// Symbols resolves program counters within a Go ELF image.
type Symbols struct {
	table *gosym.Table
}

// NewSymbols parses the Go symbol and line tables of an ELF image.
func NewSymbols(buf []byte) (s *Symbols, err error) {
	exe, err := elf.NewFile(bytes.NewReader(buf))

	if err != nil {
		return
	}

	text := exe.Section(".text")
	pclntab := exe.Section(".gopclntab")

	if text == nil || pclntab == nil {
		return nil, errors.New("missing Go line table")
	}

	lineTableData, err := pclntab.Data()

	if err != nil {
		return
	}

	lineTable := gosym.NewLineTable(lineTableData, text.Addr)

	var symTableData []byte

	if symtab := exe.Section(".gosymtab"); symtab != nil {
		if symTableData, err = symtab.Data(); err != nil {
			return
		}
	}

	table, err := gosym.NewTable(symTableData, lineTable)

	if err != nil {
		return
	}

	return &Symbols{table: table}, nil
}

// PCToLine returns the source location of a program counter.
func (s *Symbols) PCToLine(pc uint64) string {
	file, line, fn := s.table.PCToLine(pc)

	if fn == nil {
		return fmt.Sprintf("%#x", pc)
	}

	return fmt.Sprintf("%s:%d (%s)", file, line, fn.Name)
}
