// Package serialization reads and writes parameter snapshots in the
// SafeTensors format.
//
//	Format Structure:
//	  [8 bytes: Header Size (uint64 LE)]
//	  [Header: JSON object, tensor name -> {dtype, shape, data_offsets}]
//	  [Tensor data: raw little-endian bytes, tensors in name order]
//
// An optional "__metadata__" entry in the header carries string key/value
// pairs (epoch count, loss tag, step). Only F32 tensors are produced and
// accepted, which covers every learnable parameter of the network.
//
// Example usage:
//
//	err := serialization.WriteSafeTensors("checkpoint_epoch5_BCEdice.safetensors",
//	    map[string]*tensor.Dense{"outc.weight": w}, map[string]string{"epochs": "5"})
//
//	tensors, meta, err := serialization.ReadSafeTensors("checkpoint_epoch5_BCEdice.safetensors")
package serialization
