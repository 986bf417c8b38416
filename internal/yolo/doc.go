// Package yolo builds YOLOv8 detection models from Ultralytics-style YAML
// definitions and handles their persistence.
//
// A Model is created with New from a .yaml definition or from .born/.safetensors
// weights that carry their definition in metadata. It can be saved natively,
// exported to ONNX or SafeTensors, and put through a placeholder training pass
// that produces a checkpoint.
//
// Example usage:
//
//	model, err := yolo.New("cfg/models/v8/yolov8.yaml", yolo.WithScale("s"))
//	if err != nil {
//	    return err
//	}
//	fmt.Println(model.Info())
//
//	path, err := model.Export(yolo.FormatONNX, yolo.ExportOptions{ImgSize: 640})
package yolo
