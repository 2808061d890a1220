package handler

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

// drawProtoFile is api/lottery/v1/draw.proto. Keep the two in sync.
var drawProtoFile = func() protoreflect.FileDescriptor {
	fd, err := protodesc.NewFile(drawFileDescriptorProto(), new(protoregistry.Files))
	if err != nil {
		panic(fmt.Sprintf("build lottery/v1/draw.proto: %v", err))
	}
	return fd
}()

var (
	reserveRequestDesc  = drawProtoFile.Messages().ByName("ReserveRequest")
	reserveResponseDesc = drawProtoFile.Messages().ByName("ReserveResponse")
	suggestRequestDesc  = drawProtoFile.Messages().ByName("SuggestRequest")
	suggestResponseDesc = drawProtoFile.Messages().ByName("SuggestResponse")
)

func protoField(name string, number int32, typ descriptorpb.FieldDescriptorProto_Type) *descriptorpb.FieldDescriptorProto {
	return &descriptorpb.FieldDescriptorProto{
		Name:   proto.String(name),
		Number: proto.Int32(number),
		Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
		Type:   typ.Enum(),
	}
}

func repeatedField(name string, number int32, typ descriptorpb.FieldDescriptorProto_Type) *descriptorpb.FieldDescriptorProto {
	f := protoField(name, number, typ)
	f.Label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum()
	return f
}

func protoMessage(name string, fields ...*descriptorpb.FieldDescriptorProto) *descriptorpb.DescriptorProto {
	return &descriptorpb.DescriptorProto{Name: proto.String(name), Field: fields}
}

func protoMethod(name, in, out string) *descriptorpb.MethodDescriptorProto {
	return &descriptorpb.MethodDescriptorProto{
		Name:       proto.String(name),
		InputType:  proto.String(".lottery.v1." + in),
		OutputType: proto.String(".lottery.v1." + out),
	}
}

func drawFileDescriptorProto() *descriptorpb.FileDescriptorProto {
	const (
		tString = descriptorpb.FieldDescriptorProto_TYPE_STRING
		tInt32  = descriptorpb.FieldDescriptorProto_TYPE_INT32
		tInt64  = descriptorpb.FieldDescriptorProto_TYPE_INT64
		tBool   = descriptorpb.FieldDescriptorProto_TYPE_BOOL
		tMsg    = descriptorpb.FieldDescriptorProto_TYPE_MESSAGE
	)

	suggestions := repeatedField("suggestions", 3, tMsg)
	suggestions.TypeName = proto.String(".lottery.v1.Suggestion")

	return &descriptorpb.FileDescriptorProto{
		Name:    proto.String("lottery/v1/draw.proto"),
		Package: proto.String("lottery.v1"),
		Syntax:  proto.String("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{
			protoMessage("ReserveRequest",
				protoField("draw_id", 1, tString),
				protoField("user_id", 2, tString),
				protoField("series", 3, tInt32),
				repeatedField("numbers", 4, tInt32),
				protoField("order_id", 5, tString),
				protoField("gift_recipient_id", 6, tString),
			),
			protoMessage("ReserveResponse",
				protoField("success", 1, tBool),
				protoField("message", 2, tString),
				protoField("order_id", 3, tString),
				repeatedField("number_ids", 4, tString),
				protoField("total_amount", 5, tString),
				protoField("expires_at", 6, tInt64),
				repeatedField("unavailable", 7, tInt32),
			),
			protoMessage("SuggestRequest",
				protoField("draw_id", 1, tString),
				protoField("count", 2, tInt32),
			),
			protoMessage("Suggestion",
				protoField("number", 1, tInt32),
				protoField("series", 2, tInt32),
			),
			protoMessage("SuggestResponse",
				protoField("success", 1, tBool),
				protoField("message", 2, tString),
				suggestions,
			),
		},
		Service: []*descriptorpb.ServiceDescriptorProto{{
			Name: proto.String("DrawService"),
			Method: []*descriptorpb.MethodDescriptorProto{
				protoMethod("Reserve", "ReserveRequest", "ReserveResponse"),
				protoMethod("Suggest", "SuggestRequest", "SuggestResponse"),
			},
		}},
	}
}

// fields reads and writes a message by field name. Zero values are left unset,
// which is what proto3 puts on the wire for them anyway.
type fields struct {
	m protoreflect.Message
}

func (f fields) fd(name string) protoreflect.FieldDescriptor {
	fd := f.m.Descriptor().Fields().ByName(protoreflect.Name(name))
	if fd == nil {
		panic(fmt.Sprintf("%s has no field %s", f.m.Descriptor().FullName(), name))
	}
	return fd
}

func (f fields) str(name string) string { return f.m.Get(f.fd(name)).String() }
func (f fields) i64(name string) int64  { return f.m.Get(f.fd(name)).Int() }
func (f fields) flag(name string) bool  { return f.m.Get(f.fd(name)).Bool() }

func (f fields) ints(name string) []int {
	l := f.m.Get(f.fd(name)).List()
	if l.Len() == 0 {
		return nil
	}
	out := make([]int, 0, l.Len())
	for i := 0; i < l.Len(); i++ {
		out = append(out, int(l.Get(i).Int()))
	}
	return out
}

func (f fields) strs(name string) []string {
	l := f.m.Get(f.fd(name)).List()
	if l.Len() == 0 {
		return nil
	}
	out := make([]string, 0, l.Len())
	for i := 0; i < l.Len(); i++ {
		out = append(out, l.Get(i).String())
	}
	return out
}

func (f fields) setStr(name, v string) {
	if v != "" {
		f.m.Set(f.fd(name), protoreflect.ValueOfString(v))
	}
}

func (f fields) setInt32(name string, v int32) {
	if v != 0 {
		f.m.Set(f.fd(name), protoreflect.ValueOfInt32(v))
	}
}

func (f fields) setInt64(name string, v int64) {
	if v != 0 {
		f.m.Set(f.fd(name), protoreflect.ValueOfInt64(v))
	}
}

func (f fields) setFlag(name string, v bool) {
	if v {
		f.m.Set(f.fd(name), protoreflect.ValueOfBool(v))
	}
}

func (f fields) setInts(name string, vs []int) {
	if len(vs) == 0 {
		return
	}
	l := f.m.Mutable(f.fd(name)).List()
	for _, v := range vs {
		l.Append(protoreflect.ValueOfInt32(int32(v)))
	}
}

func (f fields) setStrs(name string, vs []string) {
	if len(vs) == 0 {
		return
	}
	l := f.m.Mutable(f.fd(name)).List()
	for _, v := range vs {
		l.Append(protoreflect.ValueOfString(v))
	}
}

func (r *ReserveRequest) toProto() *dynamicpb.Message {
	m := dynamicpb.NewMessage(reserveRequestDesc)
	f := fields{m}
	f.setStr("draw_id", r.DrawID)
	f.setStr("user_id", r.UserID)
	f.setInt32("series", r.Series)
	f.setInts("numbers", r.Numbers)
	f.setStr("order_id", r.OrderID)
	f.setStr("gift_recipient_id", r.GiftRecipientID)
	return m
}

func reserveRequestFromProto(m protoreflect.Message) *ReserveRequest {
	f := fields{m}
	return &ReserveRequest{
		DrawID:          f.str("draw_id"),
		UserID:          f.str("user_id"),
		Series:          int32(f.i64("series")),
		Numbers:         f.ints("numbers"),
		OrderID:         f.str("order_id"),
		GiftRecipientID: f.str("gift_recipient_id"),
	}
}

func (r *ReserveResponse) toProto() *dynamicpb.Message {
	m := dynamicpb.NewMessage(reserveResponseDesc)
	f := fields{m}
	f.setFlag("success", r.Success)
	f.setStr("message", r.Message)
	f.setStr("order_id", r.OrderID)
	f.setStrs("number_ids", r.NumberIDs)
	f.setStr("total_amount", r.TotalAmount)
	f.setInt64("expires_at", r.ExpiresAt)
	f.setInts("unavailable", r.Unavailable)
	return m
}

func reserveResponseFromProto(m protoreflect.Message) *ReserveResponse {
	f := fields{m}
	return &ReserveResponse{
		Success:     f.flag("success"),
		Message:     f.str("message"),
		OrderID:     f.str("order_id"),
		NumberIDs:   f.strs("number_ids"),
		TotalAmount: f.str("total_amount"),
		ExpiresAt:   f.i64("expires_at"),
		Unavailable: f.ints("unavailable"),
	}
}

func (r *SuggestRequest) toProto() *dynamicpb.Message {
	m := dynamicpb.NewMessage(suggestRequestDesc)
	f := fields{m}
	f.setStr("draw_id", r.DrawID)
	f.setInt32("count", r.Count)
	return m
}

func suggestRequestFromProto(m protoreflect.Message) *SuggestRequest {
	f := fields{m}
	return &SuggestRequest{DrawID: f.str("draw_id"), Count: int32(f.i64("count"))}
}

func (r *SuggestResponse) toProto() *dynamicpb.Message {
	m := dynamicpb.NewMessage(suggestResponseDesc)
	f := fields{m}
	f.setFlag("success", r.Success)
	f.setStr("message", r.Message)
	if len(r.Suggestions) > 0 {
		l := m.Mutable(f.fd("suggestions")).List()
		for _, s := range r.Suggestions {
			e := l.NewElement()
			ef := fields{e.Message()}
			ef.setInt32("number", int32(s.Number))
			ef.setInt32("series", int32(s.Series))
			l.Append(e)
		}
	}
	return m
}

func suggestResponseFromProto(m protoreflect.Message) *SuggestResponse {
	f := fields{m}
	out := &SuggestResponse{Success: f.flag("success"), Message: f.str("message")}
	l := m.Get(f.fd("suggestions")).List()
	for i := 0; i < l.Len(); i++ {
		ef := fields{l.Get(i).Message()}
		out.Suggestions = append(out.Suggestions, Suggestion{
			Number: int(ef.i64("number")),
			Series: int(ef.i64("series")),
		})
	}
	return out
}
